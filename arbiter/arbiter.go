// Package arbiter resolves open conflicts between rules with intersecting
// scope. The precedence policy is fixed: higher authority wins outright
// (law > guidance > procedure > practice), authority ties go to the more
// recent source date, and a full tie is escalated to a human rather than
// guessed. Losing rules are deprecated or rejected, never deleted.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taxway/regtruth/regstore"
)

// Stage names this agent in run records.
const Stage = "arbitrate"

// ErrConflictNotFound is returned by Resolve when the conflict id does not
// exist or is already closed.
var ErrConflictNotFound = errors.New("arbiter: conflict not found")

// Config tunes the arbitration pass.
type Config struct {
	// BatchSize caps conflicts examined per pass.
	BatchSize int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Stats summarizes one arbitration pass.
type Stats struct {
	Resolved  int
	Escalated int
}

// Arbiter applies the precedence policy to open conflicts.
type Arbiter struct {
	store  *regstore.Store
	logger *slog.Logger
	config Config
}

// New creates an Arbiter.
func New(store *regstore.Store, cfg Config, logger *slog.Logger) *Arbiter {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{store: store, logger: logger, config: cfg}
}

// comparisonInput is the per-rule evidence a resolution was computed from,
// preserved on the conflict for audit replay.
type comparisonInput struct {
	RuleID     string                  `json:"rule_id"`
	Authority  regstore.AuthorityLevel `json:"authority"`
	SourceDate string                  `json:"source_date"`
	Status     regstore.RuleStatus     `json:"status"`
}

// ArbitrateBatch examines the open conflicts and resolves or escalates each
// one. Recorded as an agent run.
func (a *Arbiter) ArbitrateBatch(ctx context.Context) (Stats, error) {
	runID, err := a.store.StartRun(ctx, Stage, "batch", 1)
	if err != nil {
		return Stats{}, err
	}
	stats, err := a.arbitrateBatch(ctx)
	if err != nil {
		if failErr := a.store.FailRun(ctx, runID, err); failErr != nil {
			a.logger.Error("arbiter: record failure", "run_id", runID, "error", failErr)
		}
		return stats, err
	}
	if err := a.store.FinishRun(ctx, runID); err != nil {
		a.logger.Error("arbiter: record finish", "run_id", runID, "error", err)
	}
	return stats, nil
}

func (a *Arbiter) arbitrateBatch(ctx context.Context) (Stats, error) {
	var stats Stats
	open, err := a.store.ListOpenConflicts(ctx, a.config.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, cf := range open {
		resolved, err := a.arbitrate(ctx, cf)
		if err != nil {
			a.logger.Warn("arbiter: conflict skipped", "conflict_id", cf.ID, "error", err)
			continue
		}
		if resolved {
			stats.Resolved++
		} else {
			stats.Escalated++
		}
	}
	return stats, nil
}

// arbitrate decides one conflict. Returns true when a winner was found and
// recorded, false when the conflict was escalated.
func (a *Arbiter) arbitrate(ctx context.Context, cf *regstore.Conflict) (bool, error) {
	rules := make([]*regstore.Rule, 0, len(cf.RuleIDs))
	for _, id := range cf.RuleIDs {
		r, err := a.store.GetRule(ctx, id)
		if err != nil {
			return false, err
		}
		if r == nil {
			return false, fmt.Errorf("rule %s referenced by conflict is gone", id)
		}
		rules = append(rules, r)
	}

	winner, rationale := decide(rules)
	if winner == nil {
		if err := a.store.EscalateConflict(ctx, cf.ID, rationale); err != nil {
			return false, err
		}
		a.logger.Info("arbiter: conflict escalated",
			"conflict_id", cf.ID, "rationale", rationale)
		return false, nil
	}
	if err := a.close(ctx, cf, rules, winner, rationale); err != nil {
		return false, err
	}
	return true, nil
}

// decide applies the precedence policy. A nil winner means escalation; the
// rationale explains the decision either way.
func decide(rules []*regstore.Rule) (*regstore.Rule, string) {
	best := rules[0]
	tied := false
	for _, r := range rules[1:] {
		switch {
		case r.Authority.Rank() > best.Authority.Rank():
			best, tied = r, false
		case r.Authority.Rank() == best.Authority.Rank():
			switch {
			case r.SourceDate > best.SourceDate:
				best, tied = r, false
			case r.SourceDate == best.SourceDate:
				tied = true
			}
		}
	}
	if tied {
		return nil, fmt.Sprintf("authority %s and source date %q tied",
			best.Authority, best.SourceDate)
	}
	for _, r := range rules {
		if r == best {
			continue
		}
		if r.Authority.Rank() < best.Authority.Rank() {
			return best, fmt.Sprintf("authority %s outranks %s", best.Authority, r.Authority)
		}
		return best, fmt.Sprintf("source date %s more recent than %s",
			best.SourceDate, r.SourceDate)
	}
	return best, "single rule"
}

// close records the resolution and retires every losing rule: active losers
// are deprecated with a pointer at the winner, losers still in review are
// rejected.
func (a *Arbiter) close(ctx context.Context, cf *regstore.Conflict, rules []*regstore.Rule, winner *regstore.Rule, rationale string) error {
	inputs := make([]comparisonInput, 0, len(rules))
	for _, r := range rules {
		inputs = append(inputs, comparisonInput{
			RuleID: r.ID, Authority: r.Authority,
			SourceDate: r.SourceDate, Status: r.Status,
		})
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	if err := a.store.ResolveConflict(ctx, cf.ID, winner.ID, rationale, string(inputsJSON)); err != nil {
		return err
	}

	for _, r := range rules {
		if r.ID == winner.ID {
			continue
		}
		switch r.Status {
		case regstore.StatusApproved, regstore.StatusPublished:
			err = a.store.DeprecateRule(ctx, r.ID, winner.ID)
		case regstore.StatusPendingReview:
			err = a.store.RejectRule(ctx, r.ID,
				fmt.Sprintf("superseded by %s: %s", winner.ID, rationale))
		default:
			a.logger.Warn("arbiter: loser in unexpected status",
				"rule_id", r.ID, "status", r.Status)
			continue
		}
		if err != nil {
			return fmt.Errorf("retire %s: %w", r.ID, err)
		}
	}
	a.logger.Info("arbiter: conflict resolved",
		"conflict_id", cf.ID, "winner_id", winner.ID, "rationale", rationale)
	return nil
}

// Resolve records a human resolution: the named rule wins, the others are
// retired exactly as in the automated path.
func (a *Arbiter) Resolve(ctx context.Context, conflictID, winnerID, rationale string) error {
	cf, err := a.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if cf == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	var winner *regstore.Rule
	rules := make([]*regstore.Rule, 0, len(cf.RuleIDs))
	for _, id := range cf.RuleIDs {
		r, err := a.store.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("rule %s referenced by conflict is gone", id)
		}
		rules = append(rules, r)
		if r.ID == winnerID {
			winner = r
		}
	}
	if winner == nil {
		return fmt.Errorf("arbiter: rule %s is not part of conflict %s", winnerID, conflictID)
	}
	return a.close(ctx, cf, rules, winner, rationale)
}

// Escalate marks a conflict as needing a human decision.
func (a *Arbiter) Escalate(ctx context.Context, conflictID, rationale string) error {
	if rationale == "" {
		rationale = "escalated by operator"
	}
	return a.store.EscalateConflict(ctx, conflictID, rationale)
}
