// Package reviewer drives rules through the review state machine: drafts
// that pass validation move to pending_review, low-risk rules above the
// confidence threshold are approved automatically, and rules that contradict
// an active rule on overlapping scope are held behind an open conflict.
package reviewer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/taxway/regtruth/applieswhen"
	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/regstore"
)

// Stage names this agent in run records.
const Stage = "review"

// AutoApprover is the synthetic identity recorded when a T2/T3 rule is
// approved without a human.
const AutoApprover = "auto:reviewer"

// Config tunes the review pass.
type Config struct {
	// BatchSize caps rules examined per pass in each status.
	BatchSize int
	// ConfidenceFloor is the minimum best-pointer confidence a draft needs
	// to enter review.
	ConfidenceFloor float64
	// AutoApproveConfidence is the threshold above which T2/T3 rules are
	// approved without a human.
	AutoApproveConfidence float64
	// AllowLegacyAutoApprove re-enables the historical automated approval
	// path for T1 rules. T0 is refused regardless. Off by default and
	// loudly logged when used.
	AllowLegacyAutoApprove bool
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.5
	}
	if c.AutoApproveConfidence <= 0 {
		c.AutoApproveConfidence = 0.9
	}
}

// Stats summarizes one review pass.
type Stats struct {
	Submitted int // drafts moved to pending_review
	Approved  int // auto-approved T2/T3 rules
	Conflicts int // rules held behind an open conflict
	Held      int // rules left waiting for a human
}

// Reviewer validates drafts and gates approvals.
type Reviewer struct {
	store    *regstore.Store
	evidence *evidence.Store
	logger   *slog.Logger
	config   Config
}

// New creates a Reviewer.
func New(store *regstore.Store, ev *evidence.Store, cfg Config, logger *slog.Logger) *Reviewer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{store: store, evidence: ev, logger: logger, config: cfg}
}

// ReviewBatch runs one full pass: submit valid drafts, then decide pending
// rules. Recorded as an agent run.
func (r *Reviewer) ReviewBatch(ctx context.Context) (Stats, error) {
	runID, err := r.store.StartRun(ctx, Stage, "batch", 1)
	if err != nil {
		return Stats{}, err
	}
	stats, err := r.reviewBatch(ctx)
	if err != nil {
		if failErr := r.store.FailRun(ctx, runID, err); failErr != nil {
			r.logger.Error("reviewer: record failure", "run_id", runID, "error", failErr)
		}
		return stats, err
	}
	if err := r.store.FinishRun(ctx, runID); err != nil {
		r.logger.Error("reviewer: record finish", "run_id", runID, "error", err)
	}
	return stats, nil
}

func (r *Reviewer) reviewBatch(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := r.submitDrafts(ctx, &stats); err != nil {
		return stats, err
	}
	if err := r.reviewPending(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// submitDrafts validates each draft and moves the passing ones to
// pending_review. Failing drafts stay put with the failure appended to
// their notes; they are never force-advanced.
func (r *Reviewer) submitDrafts(ctx context.Context, stats *Stats) error {
	drafts, err := r.store.ListRulesByStatus(ctx, regstore.StatusDraft, r.config.BatchSize)
	if err != nil {
		return err
	}
	for _, rule := range drafts {
		if err := r.validateRule(ctx, rule); err != nil {
			r.logger.Warn("reviewer: draft failed validation",
				"rule_id", rule.ID, "concept", rule.ConceptSlug, "error", err)
			if noteErr := r.store.AppendReviewNotes(ctx, rule.ID, err.Error()); noteErr != nil {
				r.logger.Error("reviewer: append notes", "rule_id", rule.ID, "error", noteErr)
			}
			continue
		}
		if err := r.store.SubmitRule(ctx, rule.ID); err != nil {
			return fmt.Errorf("submit %s: %w", rule.ID, err)
		}
		stats.Submitted++
	}
	return nil
}

// validateRule re-checks the composition invariants before a rule enters
// review: at least one pointer, every quote present in its evidence, the
// rule value present in a backing quote, best confidence above the floor.
func (r *Reviewer) validateRule(ctx context.Context, rule *regstore.Rule) error {
	if _, err := applieswhen.Parse([]byte(rule.PredicateJSON)); err != nil {
		return fmt.Errorf("predicate: %w", err)
	}
	ptrs, err := r.store.ListPointersByRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if len(ptrs) == 0 {
		return regstore.ErrMissingProvenance
	}

	best := 0.0
	valueBacked := false
	for _, p := range ptrs {
		ev, err := r.evidence.Get(ctx, p.EvidenceID)
		if err != nil {
			return fmt.Errorf("evidence %s: %w", p.EvidenceID, err)
		}
		if !evidence.Grounded(string(ev.RawContent), p.Quote) {
			return fmt.Errorf("pointer %s: quote not found in evidence", p.ID)
		}
		if evidence.ValueInQuote(rule.Value, p.Quote) {
			valueBacked = true
		}
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	if !valueBacked {
		return fmt.Errorf("value %q not present in any backing quote", rule.Value)
	}
	if best < r.config.ConfidenceFloor {
		return fmt.Errorf("confidence %.2f below floor %.2f", best, r.config.ConfidenceFloor)
	}
	return nil
}

// reviewPending decides each pending rule: held behind a conflict, approved
// automatically, or left for a human.
func (r *Reviewer) reviewPending(ctx context.Context, stats *Stats) error {
	pending, err := r.store.ListRulesByStatus(ctx, regstore.StatusPendingReview, r.config.BatchSize)
	if err != nil {
		return err
	}
	for _, rule := range pending {
		conflicted, err := r.checkConflicts(ctx, rule)
		if err != nil {
			r.logger.Warn("reviewer: conflict check failed",
				"rule_id", rule.ID, "error", err)
			continue
		}
		if conflicted {
			stats.Conflicts++
			continue
		}
		approved, err := r.maybeAutoApprove(ctx, rule)
		if err != nil {
			return err
		}
		if approved {
			stats.Approved++
		} else {
			stats.Held++
		}
	}
	return nil
}

// checkConflicts compares the rule against the active rules on its concept.
// A disagreement in value on intersecting scope raises a conflict (once per
// rule pair) and holds the rule at pending_review.
func (r *Reviewer) checkConflicts(ctx context.Context, rule *regstore.Rule) (bool, error) {
	pred, err := applieswhen.Parse([]byte(rule.PredicateJSON))
	if err != nil {
		return false, fmt.Errorf("predicate: %w", err)
	}
	active, err := r.store.ActiveRulesByConcept(ctx, rule.ConceptSlug)
	if err != nil {
		return false, err
	}

	held := false
	for _, other := range active {
		if other.ID == rule.ID || valuesAgree(rule.Value, other.Value) {
			continue
		}
		otherPred, err := applieswhen.Parse([]byte(other.PredicateJSON))
		if err != nil {
			r.logger.Warn("reviewer: active rule has bad predicate",
				"rule_id", other.ID, "error", err)
			continue
		}
		if !applieswhen.Overlaps(pred, otherPred) {
			continue
		}

		pair := []string{rule.ID, other.ID}
		sort.Strings(pair)
		existing, err := r.store.OpenConflictForRules(ctx, pair)
		if err != nil {
			return false, err
		}
		if existing == nil {
			cf := &regstore.Conflict{RuleIDs: pair, Type: regstore.ConflictScope}
			if err := r.store.InsertConflict(ctx, cf); err != nil {
				return false, err
			}
			r.logger.Info("reviewer: conflict raised",
				"conflict_id", cf.ID, "concept", rule.ConceptSlug,
				"values", []string{rule.Value, other.Value})
		}
		held = true
	}
	return held, nil
}

// maybeAutoApprove approves T2/T3 rules above the confidence threshold.
// T0/T1 wait for a human; the only exception is the legacy flag, which
// covers T1 with a synthetic approver and never T0.
func (r *Reviewer) maybeAutoApprove(ctx context.Context, rule *regstore.Rule) (bool, error) {
	conf, err := r.bestConfidence(ctx, rule.ID)
	if err != nil {
		return false, err
	}
	if conf < r.config.AutoApproveConfidence {
		return false, nil
	}

	if rule.RiskTier.RequiresHuman() {
		if !r.config.AllowLegacyAutoApprove || rule.RiskTier == regstore.TierT0 {
			return false, nil
		}
		r.logger.Warn("reviewer: legacy auto-approval of T1 rule",
			"rule_id", rule.ID, "concept", rule.ConceptSlug, "confidence", conf)
	}

	notes := fmt.Sprintf("auto-approved at confidence %.2f", conf)
	if err := r.store.ApproveRule(ctx, rule.ID, AutoApprover, notes); err != nil {
		return false, fmt.Errorf("approve %s: %w", rule.ID, err)
	}
	r.logger.Info("reviewer: rule approved",
		"rule_id", rule.ID, "concept", rule.ConceptSlug,
		"tier", rule.RiskTier, "confidence", conf)
	return true, nil
}

func (r *Reviewer) bestConfidence(ctx context.Context, ruleID string) (float64, error) {
	ptrs, err := r.store.ListPointersByRule(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	best := 0.0
	for _, p := range ptrs {
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	return best, nil
}

// Approve records a human approval. The reviewer identity is mandatory;
// the store refuses T0/T1 approvals without one regardless.
func (r *Reviewer) Approve(ctx context.Context, ruleID, reviewerID string) error {
	if reviewerID == "" {
		return fmt.Errorf("%w: empty reviewer id", regstore.ErrApprovalRequired)
	}
	if err := r.store.ApproveRule(ctx, ruleID, reviewerID, ""); err != nil {
		return err
	}
	r.logger.Info("reviewer: rule approved", "rule_id", ruleID, "by", reviewerID)
	return nil
}

// Reject records a human rejection with its reason.
func (r *Reviewer) Reject(ctx context.Context, ruleID, reviewerID, reason string) error {
	if err := r.store.RejectRule(ctx, ruleID, reason); err != nil {
		return err
	}
	r.logger.Info("reviewer: rule rejected",
		"rule_id", ruleID, "by", reviewerID, "reason", reason)
	return nil
}

func valuesAgree(a, b string) bool {
	return evidence.Normalize(a) == evidence.Normalize(b)
}
