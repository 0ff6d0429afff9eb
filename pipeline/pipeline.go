// Package pipeline wires the whole system together: discovery feeds the
// evidence store, captured evidence is queued for extraction, and a periodic
// sweep composes, reviews, arbitrates, and optionally releases. Stages share
// nothing in process; everything flows through persisted state and the work
// queue. The package also carries the external surfaces: rule evaluation
// with citations, the human review operations, and release verification.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxway/regtruth/applieswhen"
	"github.com/taxway/regtruth/arbiter"
	"github.com/taxway/regtruth/audit"
	"github.com/taxway/regtruth/composer"
	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/extractor"
	"github.com/taxway/regtruth/kit"
	"github.com/taxway/regtruth/llm"
	"github.com/taxway/regtruth/regstore"
	"github.com/taxway/regtruth/releaser"
	"github.com/taxway/regtruth/reviewer"
	"github.com/taxway/regtruth/sentinel"
	"github.com/taxway/regtruth/workq"
)

// ErrReleaseNotFound is returned by VerifyRelease for an unknown id.
var ErrReleaseNotFound = errors.New("pipeline: release not found")

// Citation backs a rule for display: the exact quote, where it came from,
// and when it was captured.
type Citation struct {
	EvidenceID string `json:"evidence_id"`
	Quote      string `json:"quote"`
	URL        string `json:"url"`
	FetchedAt  int64  `json:"fetched_at"`
}

// EvaluatedRule is a published rule whose predicate matched an evaluation
// context, with its citations attached.
type EvaluatedRule struct {
	Rule      *regstore.Rule `json:"rule"`
	Citations []Citation     `json:"citations"`
}

// Service is the orchestrator.
type Service struct {
	db        *sql.DB
	evidence  *evidence.Store
	store     *regstore.Store
	trail     *audit.Trail
	sentinel  *sentinel.Service
	extractor *extractor.Extractor
	composer  *composer.Composer
	reviewer  *reviewer.Reviewer
	arbiter   *arbiter.Arbiter
	releaser  *releaser.Releaser
	extractQ  *workq.Q
	logger    *slog.Logger
	config    Config
}

// New creates the Service: applies every schema, builds the stages, and
// wires discovery into the extraction queue. Start begins the workers.
func New(db *sql.DB, provider llm.Provider, cfg Config, logger *slog.Logger) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	for _, apply := range []func(*sql.DB) error{
		evidence.ApplySchema, regstore.ApplySchema, sentinel.ApplySchema,
	} {
		if err := apply(db); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := db.Exec(audit.Schema); err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	ev := evidence.NewStore(db)
	rs := regstore.NewStore(db)
	trail := audit.New(db, cfg.AuditBuffer)

	extractQ := workq.New(db, workq.Options{
		Stage:       extractor.Stage,
		Visibility:  cfg.ExtractVisibility,
		MaxAttempts: cfg.ExtractMaxAttempts,
		Logger:      logger,
	})
	if err := extractQ.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure queue table: %w", err)
	}

	svc := &Service{
		db:        db,
		evidence:  ev,
		store:     rs,
		trail:     trail,
		extractor: extractor.New(provider, ev, rs, cfg.Extractor, logger),
		composer:  composer.New(rs, ev, cfg.Composer, logger),
		reviewer:  reviewer.New(rs, ev, cfg.Reviewer, logger),
		arbiter:   arbiter.New(rs, cfg.Arbiter, logger),
		releaser:  releaser.New(rs, logger),
		extractQ:  extractQ,
		logger:    logger,
		config:    cfg,
	}
	svc.sentinel = sentinel.New(sentinel.NewStore(db), ev, cfg.Sentinel, logger,
		sentinel.WithOnEvidence(func(ctx context.Context, evidenceID string) error {
			return extractQ.Enqueue(ctx, evidenceID, nil)
		}))
	return svc, nil
}

// Sentinel exposes the discovery service, for endpoint seeding and admin.
func (s *Service) Sentinel() *sentinel.Service { return s.sentinel }

// Trail exposes the audit trail, for the read surface.
func (s *Service) Trail() *audit.Trail { return s.trail }

// Store exposes shared persistence, for the read surface.
func (s *Service) Store() *regstore.Store { return s.store }

// Start launches discovery, the extraction workers, and the periodic
// compose/review/arbitrate/release sweep. All loops stop with ctx.
func (s *Service) Start(ctx context.Context) {
	go s.sentinel.Run(ctx)
	go s.extractQ.RunBatch(ctx, s.config.ExtractWorkers*2, s.config.ExtractWorkers,
		func(ctx context.Context, task *workq.Task) error {
			_, err := s.extractor.ProcessEvidence(ctx, task.ID, task.Attempts)
			return err
		})
	go s.sweepLoop(ctx)
	s.logger.Info("pipeline started",
		"extract_workers", s.config.ExtractWorkers,
		"sweep_interval", s.config.SweepInterval,
		"auto_release", s.config.AutoRelease)
}

// Close drains the audit trail.
func (s *Service) Close() error { return s.trail.Close() }

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of the downstream stages in order. Each stage reads
// only persisted state, so a failed stage leaves the rest consistent.
func (s *Service) Sweep(ctx context.Context) {
	if created, err := s.composer.ComposeBatch(ctx); err != nil {
		s.logger.Error("sweep: compose", "error", err)
	} else if len(created) > 0 {
		s.logger.Info("sweep: rules composed", "count", len(created))
	}
	if stats, err := s.reviewer.ReviewBatch(ctx); err != nil {
		s.logger.Error("sweep: review", "error", err)
	} else if stats.Submitted+stats.Approved+stats.Conflicts > 0 {
		s.logger.Info("sweep: review pass",
			"submitted", stats.Submitted, "approved", stats.Approved,
			"conflicts", stats.Conflicts, "held", stats.Held)
	}
	if stats, err := s.arbiter.ArbitrateBatch(ctx); err != nil {
		s.logger.Error("sweep: arbitrate", "error", err)
	} else if stats.Resolved+stats.Escalated > 0 {
		s.logger.Info("sweep: arbitration pass",
			"resolved", stats.Resolved, "escalated", stats.Escalated)
	}
	if s.config.AutoRelease {
		rel, err := s.releaser.Publish(ctx)
		switch {
		case errors.Is(err, releaser.ErrNothingToRelease):
		case err != nil:
			s.logger.Error("sweep: release", "error", err)
		default:
			s.trail.Record("", audit.ActionReleasePublished, rel.ID, map[string]any{
				"version": rel.Version, "rules": rel.PublishedCount,
			})
		}
	}
}

// Evaluate returns the published rules whose predicate is satisfied by the
// given context, each with its citations. Blocked, escalated, or rejected
// rules are invisible here.
func (s *Service) Evaluate(ctx context.Context, evalCtx map[string]any) ([]EvaluatedRule, error) {
	published, err := s.store.ListRulesByStatus(ctx, regstore.StatusPublished, s.config.EvaluateLimit)
	if err != nil {
		return nil, err
	}
	var out []EvaluatedRule
	for _, rule := range published {
		pred, err := applieswhen.Parse([]byte(rule.PredicateJSON))
		if err != nil {
			s.logger.Error("evaluate: published rule has bad predicate",
				"rule_id", rule.ID, "error", err)
			continue
		}
		if !pred.Eval(applieswhen.Context(evalCtx)) {
			continue
		}
		citations, err := s.citations(ctx, rule.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, EvaluatedRule{Rule: rule, Citations: citations})
	}
	return out, nil
}

func (s *Service) citations(ctx context.Context, ruleID string) ([]Citation, error) {
	ptrs, err := s.store.ListPointersByRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	out := make([]Citation, 0, len(ptrs))
	for _, p := range ptrs {
		c := Citation{EvidenceID: p.EvidenceID, Quote: p.Quote}
		ev, err := s.evidence.Get(ctx, p.EvidenceID)
		if err == nil {
			c.URL = ev.URL
			c.FetchedAt = ev.FetchedAt
		} else {
			s.logger.Warn("citation: evidence missing",
				"evidence_id", p.EvidenceID, "error", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Citations returns the citations backing one rule.
func (s *Service) Citations(ctx context.Context, ruleID string) ([]Citation, error) {
	return s.citations(ctx, ruleID)
}

// Approve records a human approval and audits it. The reviewer identity may
// also come from the request context.
func (s *Service) Approve(ctx context.Context, ruleID, reviewerID string) error {
	if reviewerID == "" {
		reviewerID = kit.GetReviewerID(ctx)
	}
	if err := s.reviewer.Approve(ctx, ruleID, reviewerID); err != nil {
		return err
	}
	s.trail.Record(reviewerID, audit.ActionRuleApproved, ruleID, nil)
	return nil
}

// Reject records a human rejection and audits it.
func (s *Service) Reject(ctx context.Context, ruleID, reviewerID, reason string) error {
	if reviewerID == "" {
		reviewerID = kit.GetReviewerID(ctx)
	}
	if err := s.reviewer.Reject(ctx, ruleID, reviewerID, reason); err != nil {
		return err
	}
	s.trail.Record(reviewerID, audit.ActionRuleRejected, ruleID,
		map[string]string{"reason": reason})
	return nil
}

// ResolveConflict records a human conflict resolution and audits it.
func (s *Service) ResolveConflict(ctx context.Context, conflictID, winnerID, rationale string) error {
	if err := s.arbiter.Resolve(ctx, conflictID, winnerID, rationale); err != nil {
		return err
	}
	s.trail.Record(kit.GetReviewerID(ctx), audit.ActionConflictResolved, conflictID,
		map[string]string{"winner": winnerID, "rationale": rationale})
	return nil
}

// EscalateConflict flags a conflict for human resolution and audits it.
func (s *Service) EscalateConflict(ctx context.Context, conflictID string) error {
	if err := s.arbiter.Escalate(ctx, conflictID, ""); err != nil {
		return err
	}
	s.trail.Record(kit.GetReviewerID(ctx), audit.ActionConflictEscalated, conflictID, nil)
	return nil
}

// PublishRelease runs one release pass on demand.
func (s *Service) PublishRelease(ctx context.Context) (*regstore.Release, error) {
	rel, err := s.releaser.Publish(ctx)
	if err != nil {
		return nil, err
	}
	s.trail.Record("", audit.ActionReleasePublished, rel.ID, map[string]any{
		"version": rel.Version, "rules": rel.PublishedCount,
	})
	return rel, nil
}

// VerifyRelease recomputes a release's content hash. A mismatch is recorded
// as an integrity alert and reported as false; it is never repaired.
func (s *Service) VerifyRelease(ctx context.Context, releaseID string) (bool, error) {
	rel, err := s.store.GetRelease(ctx, releaseID)
	if err != nil {
		return false, err
	}
	if rel == nil {
		return false, fmt.Errorf("%w: %s", ErrReleaseNotFound, releaseID)
	}
	err = s.releaser.Verify(ctx, releaseID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, releaser.ErrHashMismatch):
		if auditErr := s.trail.RecordSync(ctx, "", audit.ActionIntegrityAlert, releaseID,
			map[string]string{"error": err.Error()}); auditErr != nil {
			s.logger.Error("verify: record alert", "error", auditErr)
		}
		return false, nil
	default:
		return false, err
	}
}
