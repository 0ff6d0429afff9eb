// Package composer turns batches of ungrouped source pointers into draft
// regulatory rules: pointers describing the same concept are grouped, a
// concept slug is derived, and a rule is synthesized with an applicability
// predicate, a typed value, an inferred authority level, and a risk tier.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/taxway/regtruth/applieswhen"
	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/regstore"
)

// Stage is the agent-run stage name recorded for composition work.
const Stage = "compose"

// Config configures the Composer.
type Config struct {
	// BatchSize bounds how many ungrouped pointers one pass considers.
	// Default: 200.
	BatchSize int
	// MinConfidence drops pointers below the floor before grouping.
	// Default: 0.5.
	MinConfidence float64
	// AuthorityRules map URL substrings to authority levels, checked in
	// order. The first match wins; no match falls back to PRACTICE.
	AuthorityRules []AuthorityRule
}

// AuthorityRule infers an authority level from the source URL.
type AuthorityRule struct {
	URLContains string
	Level       regstore.AuthorityLevel
}

// defaultAuthorityRules cover the usual publication channels: the official
// gazette is law, ministry and tax administration sites are guidance,
// e-services/portal pages are procedure.
var defaultAuthorityRules = []AuthorityRule{
	{URLContains: "narodne-novine", Level: regstore.AuthorityLaw},
	{URLContains: "nn.hr", Level: regstore.AuthorityLaw},
	{URLContains: "zakon", Level: regstore.AuthorityLaw},
	{URLContains: "porezna-uprava", Level: regstore.AuthorityGuidance},
	{URLContains: "gov.hr", Level: regstore.AuthorityGuidance},
	{URLContains: "mfin", Level: regstore.AuthorityGuidance},
	{URLContains: "e-porezna", Level: regstore.AuthorityProcedure},
	{URLContains: "uputa", Level: regstore.AuthorityProcedure},
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.AuthorityRules == nil {
		c.AuthorityRules = defaultAuthorityRules
	}
}

// Composer groups pointers into draft rules.
type Composer struct {
	store    *regstore.Store
	evidence *evidence.Store
	logger   *slog.Logger
	config   Config
}

// New creates a Composer.
func New(store *regstore.Store, ev *evidence.Store, cfg Config, logger *slog.Logger) *Composer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{store: store, evidence: ev, logger: logger, config: cfg}
}

// ComposeBatch groups the current ungrouped pointers and creates one draft
// rule per group. Returns the IDs of the rules created.
func (c *Composer) ComposeBatch(ctx context.Context) ([]string, error) {
	runID, err := c.store.StartRun(ctx, Stage, "batch", 1)
	if err != nil {
		return nil, err
	}
	ids, err := c.composeBatch(ctx)
	if err != nil {
		if failErr := c.store.FailRun(ctx, runID, err); failErr != nil {
			c.logger.Error("composer: record failure", "run_id", runID, "error", failErr)
		}
		return ids, err
	}
	if err := c.store.FinishRun(ctx, runID); err != nil {
		c.logger.Error("composer: record finish", "run_id", runID, "error", err)
	}
	return ids, nil
}

func (c *Composer) composeBatch(ctx context.Context) ([]string, error) {
	pointers, err := c.store.ListUngroupedPointers(ctx, c.config.BatchSize)
	if err != nil {
		return nil, err
	}

	groups := map[string][]*regstore.SourcePointer{}
	for _, p := range pointers {
		if p.Confidence < c.config.MinConfidence {
			c.logger.Debug("composer: below confidence floor",
				"pointer_id", p.ID, "confidence", p.Confidence)
			continue
		}
		groups[p.Domain] = append(groups[p.Domain], p)
	}

	// Deterministic pass order.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var created []string
	for _, key := range keys {
		id, err := c.composeGroup(ctx, key, groups[key])
		if err != nil {
			c.logger.Warn("composer: group failed", "group", key, "error", err)
			continue
		}
		created = append(created, id)
	}
	return created, nil
}

// composeGroup synthesizes one rule from pointers sharing a domain tag.
func (c *Composer) composeGroup(ctx context.Context, key string, ptrs []*regstore.SourcePointer) (string, error) {
	// The best pointer supplies the value; disagreements within a group are
	// the reviewer's conflict detection problem, not silently averaged away.
	best := ptrs[0]
	for _, p := range ptrs[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}

	// No-inference: the rule's value must appear inside the quote that
	// backs it. The extractor already checks this, but composition is the
	// last gate before a rule exists, so it re-verifies.
	if !evidence.ValueInQuote(best.Value, best.Quote) {
		return "", fmt.Errorf("composer: value %q not grounded in quote", best.Value)
	}

	slug := Slugify(key)
	if err := c.store.UpsertConcept(ctx, slug, conceptTitle(key)); err != nil {
		return "", err
	}

	ev, err := c.evidence.Get(ctx, best.EvidenceID)
	if err != nil {
		return "", err
	}
	sourceDate := ""
	authority := regstore.AuthorityPractice
	if ev != nil {
		sourceDate = time.UnixMilli(ev.FetchedAt).UTC().Format("2006-01-02")
		authority = c.inferAuthority(ev.URL)
	}

	predicate, err := synthesizePredicate(best, sourceDate)
	if err != nil {
		return "", err
	}

	pointerIDs := make([]string, 0, len(ptrs))
	sumConf := 0.0
	for _, p := range ptrs {
		pointerIDs = append(pointerIDs, p.ID)
		sumConf += p.Confidence
	}

	rule := &regstore.Rule{
		ConceptSlug:   slug,
		PredicateJSON: string(predicate),
		Value:         best.Value,
		ValueType:     best.ValueType,
		Authority:     authority,
		RiskTier:      riskTier(best.ValueType),
		Status:        regstore.StatusDraft,
		SourceDate:    sourceDate,
		ReviewNotes: fmt.Sprintf("composed from %d pointer(s), mean confidence %.2f",
			len(ptrs), sumConf/float64(len(ptrs))),
	}
	if err := c.store.CreateRuleWithPointers(ctx, rule, pointerIDs); err != nil {
		return "", err
	}
	c.logger.Info("composer: rule created",
		"rule_id", rule.ID, "concept", slug, "tier", rule.RiskTier,
		"authority", rule.Authority, "pointers", len(ptrs))
	return rule.ID, nil
}

// synthesizePredicate builds the applicability predicate for a fact: in
// effect from its source date onward, scoped to the jurisdictional context
// field the consuming application evaluates against.
func synthesizePredicate(best *regstore.SourcePointer, sourceDate string) ([]byte, error) {
	var p applieswhen.Predicate
	if sourceDate != "" {
		p = &applieswhen.And{Args: []applieswhen.Predicate{
			&applieswhen.DateInEffect{Field: "as_of", From: sourceDate},
		}}
	} else {
		p = &applieswhen.And{}
	}
	data, err := applieswhen.Marshal(p)
	if err != nil {
		return nil, err
	}
	// Round-trip through Parse so only construction-validated predicates
	// are ever persisted.
	if _, err := applieswhen.Parse(data); err != nil {
		return nil, err
	}
	return data, nil
}

// riskTier applies the tier policy: facts touching money, rates, or dates
// carry high business impact and require human review; counts and narrative
// facts are auto-approvable.
func riskTier(valueType string) regstore.RiskTier {
	switch valueType {
	case "money", "percent":
		return regstore.TierT0
	case "date", "duration":
		return regstore.TierT1
	case "number":
		return regstore.TierT2
	default:
		return regstore.TierT3
	}
}

func (c *Composer) inferAuthority(url string) regstore.AuthorityLevel {
	lower := strings.ToLower(url)
	for _, r := range c.config.AuthorityRules {
		if strings.Contains(lower, r.URLContains) {
			return r.Level
		}
	}
	return regstore.AuthorityPractice
}

// Slugify turns a domain tag like "vat/standard rate" into a concept slug
// like "vat-standard-rate".
func Slugify(s string) string {
	var b strings.Builder
	prevDash := true // trim leading dashes
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func conceptTitle(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '/' || r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
