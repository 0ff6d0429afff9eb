// Package releaser bundles approved rules into immutable, versioned,
// content-hashed releases. Canonicalization and hashing live in exactly one
// pair of functions, CanonicalBundle and BundleHash, used by both the
// publish path and the verify path so the two can never drift.
package releaser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/taxway/regtruth/applieswhen"
	"github.com/taxway/regtruth/regstore"
)

// Stage names this agent in run records.
const Stage = "release"

var (
	// ErrNothingToRelease is returned by Publish when no approved,
	// unpublished rules exist.
	ErrNothingToRelease = errors.New("releaser: no approved unpublished rules")

	// ErrHashMismatch is returned by Verify when the recomputed bundle hash
	// differs from the stored one. A corrected release must be issued; the
	// stored release is never edited.
	ErrHashMismatch = errors.New("releaser: bundle hash mismatch")
)

// canonicalRule is the hashed form of a rule: only fields that are fixed at
// approval time, so publication itself cannot change the hash.
type canonicalRule struct {
	ID          string          `json:"id"`
	ConceptSlug string          `json:"concept_slug"`
	Predicate   json.RawMessage `json:"applies_when"`
	Value       string          `json:"value"`
	ValueType   string          `json:"value_type"`
	Authority   string          `json:"authority"`
	RiskTier    string          `json:"risk_tier"`
	SourceDate  string          `json:"source_date"`
}

// CanonicalBundle produces the canonical byte form of a rule set: sorted by
// concept slug then rule ID, predicates re-marshalled from their typed form,
// dates normalized to ISO days, keys sorted per RFC 8785. The same input set
// always yields the same bytes regardless of input order.
func CanonicalBundle(rules []*regstore.Rule) ([]byte, error) {
	canon := make([]canonicalRule, 0, len(rules))
	for _, r := range rules {
		pred, err := applieswhen.Parse([]byte(r.PredicateJSON))
		if err != nil {
			return nil, fmt.Errorf("rule %s predicate: %w", r.ID, err)
		}
		predJSON, err := applieswhen.Marshal(pred)
		if err != nil {
			return nil, err
		}
		canon = append(canon, canonicalRule{
			ID:          r.ID,
			ConceptSlug: r.ConceptSlug,
			Predicate:   predJSON,
			Value:       r.Value,
			ValueType:   r.ValueType,
			Authority:   string(r.Authority),
			RiskTier:    string(r.RiskTier),
			SourceDate:  normalizeDate(r.SourceDate),
		})
	}
	sort.Slice(canon, func(i, j int) bool {
		if canon[i].ConceptSlug != canon[j].ConceptSlug {
			return canon[i].ConceptSlug < canon[j].ConceptSlug
		}
		return canon[i].ID < canon[j].ID
	})
	raw, err := json.Marshal(canon)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// BundleHash is the content hash of a rule set: sha256 over the canonical
// bundle bytes. The only hash computation in the release path.
func BundleHash(rules []*regstore.Rule) (string, error) {
	bundle, err := CanonicalBundle(rules)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(bundle)
	return hex.EncodeToString(sum[:]), nil
}

// dateFormats are the source-date spellings seen in practice; everything is
// normalized to an ISO day before hashing.
var dateFormats = []string{"2006-01-02", time.RFC3339, "02.01.2006", "02.01.2006."}

func normalizeDate(s string) string {
	for _, f := range dateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// releaseTypeFor derives the semver bump from the highest risk tier in the
// set. Policy, not advisory: T0 forces major, T1 minor, the rest patch.
func releaseTypeFor(rules []*regstore.Rule) string {
	highest := regstore.TierT3
	for _, r := range rules {
		switch r.RiskTier {
		case regstore.TierT0:
			return "major"
		case regstore.TierT1:
			highest = regstore.TierT1
		}
	}
	if highest == regstore.TierT1 {
		return "minor"
	}
	return "patch"
}

func bump(prev string, releaseType string) (string, error) {
	v, err := semver.NewVersion(prev)
	if err != nil {
		return "", fmt.Errorf("previous version %q: %w", prev, err)
	}
	var next semver.Version
	switch releaseType {
	case "major":
		next = v.IncMajor()
	case "minor":
		next = v.IncMinor()
	default:
		next = v.IncPatch()
	}
	return next.String(), nil
}

// changelog is stored on the release as JSON.
type changelog struct {
	Added      []string `json:"added"`
	Deprecated []string `json:"deprecated"`
}

// Releaser publishes and verifies rule bundles.
type Releaser struct {
	store  *regstore.Store
	logger *slog.Logger
}

// New creates a Releaser.
func New(store *regstore.Store, logger *slog.Logger) *Releaser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Releaser{store: store, logger: logger}
}

// Publish bundles the current approved, unpublished rules into a new
// release: one consistent snapshot, one hash, one atomic status flip.
// Recorded as an agent run.
func (rl *Releaser) Publish(ctx context.Context) (*regstore.Release, error) {
	runID, err := rl.store.StartRun(ctx, Stage, "batch", 1)
	if err != nil {
		return nil, err
	}
	rel, err := rl.publish(ctx)
	if err != nil {
		if errors.Is(err, ErrNothingToRelease) {
			// An empty pass is a normal outcome, not a failed run.
			if finErr := rl.store.FinishRun(ctx, runID); finErr != nil {
				rl.logger.Error("releaser: record finish", "run_id", runID, "error", finErr)
			}
			return nil, err
		}
		if failErr := rl.store.FailRun(ctx, runID, err); failErr != nil {
			rl.logger.Error("releaser: record failure", "run_id", runID, "error", failErr)
		}
		return nil, err
	}
	if err := rl.store.FinishRun(ctx, runID); err != nil {
		rl.logger.Error("releaser: record finish", "run_id", runID, "error", err)
	}
	return rel, nil
}

func (rl *Releaser) publish(ctx context.Context) (*regstore.Release, error) {
	rules, err := rl.store.ApprovedUnpublished(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNothingToRelease
	}

	hash, err := BundleHash(rules)
	if err != nil {
		return nil, err
	}

	prev := "0.0.0"
	var prevPublished int64
	latest, err := rl.store.LatestRelease(ctx)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		prev = latest.Version
		prevPublished = latest.PublishedAt
	}
	releaseType := releaseTypeFor(rules)
	version, err := bump(prev, releaseType)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	deprecated, err := rl.deprecatedSince(ctx, prevPublished)
	if err != nil {
		return nil, err
	}
	logJSON, err := json.Marshal(changelog{Added: ids, Deprecated: deprecated})
	if err != nil {
		return nil, err
	}

	rel := &regstore.Release{
		Version:         version,
		ReleaseType:     releaseType,
		ContentHash:     hash,
		RuleIDs:         ids,
		PublishedCount:  len(ids),
		DeprecatedCount: len(deprecated),
		ChangelogJSON:   string(logJSON),
	}
	if err := rl.store.PublishRelease(ctx, rel); err != nil {
		return nil, err
	}
	rl.logger.Info("releaser: release published",
		"release_id", rel.ID, "version", version, "type", releaseType,
		"rules", len(ids), "hash", hash)
	return rel, nil
}

// deprecatedSince collects rules deprecated after the previous release, for
// the changelog.
func (rl *Releaser) deprecatedSince(ctx context.Context, since int64) ([]string, error) {
	rules, err := rl.store.ListRulesByStatus(ctx, regstore.StatusDeprecated, 0)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range rules {
		if r.UpdatedAt >= since {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// Verify recomputes a release's bundle hash from its stored rules and
// compares it to the recorded value. Returns ErrHashMismatch on divergence;
// a mismatch is a release-process bug, never repaired in place.
func (rl *Releaser) Verify(ctx context.Context, releaseID string) error {
	rel, err := rl.store.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("releaser: release %s not found", releaseID)
	}
	rules, err := rl.store.RulesInRelease(ctx, releaseID)
	if err != nil {
		return err
	}
	hash, err := BundleHash(rules)
	if err != nil {
		return err
	}
	if hash != rel.ContentHash {
		return fmt.Errorf("%w: release %s stored %s recomputed %s",
			ErrHashMismatch, releaseID, rel.ContentHash, hash)
	}
	return nil
}
