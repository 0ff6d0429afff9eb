package regstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingProvenance rejects a rule that would be created without at
	// least one source pointer backing it.
	ErrMissingProvenance = errors.New("regstore: rule has no source pointers")

	// ErrBadTransition rejects a status change the review state machine
	// does not allow.
	ErrBadTransition = errors.New("regstore: invalid status transition")

	// ErrRuleNotFound is returned by mutation helpers when the rule id does
	// not exist.
	ErrRuleNotFound = errors.New("regstore: rule not found")

	// ErrApprovalRequired rejects an approval of a T0/T1 rule that carries
	// no reviewer identity. The gate lives here so every approval path in
	// the system goes through it.
	ErrApprovalRequired = errors.New("regstore: human approver identity required for T0/T1")
)

const ruleCols = `id, concept_slug, predicate_json, value, value_type, authority,
	risk_tier, status, approved_by, reject_reason, review_notes, source_date,
	superseded_by, release_id, created_at, updated_at`

// allowedTransitions encodes the review state machine. Deprecation is
// handled separately by DeprecateRule because it carries a superseding rule.
var allowedTransitions = map[RuleStatus][]RuleStatus{
	StatusDraft:         {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusPublished},
	StatusPublished:     {StatusDeprecated},
}

func transitionAllowed(from, to RuleStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateRuleWithPointers inserts a draft rule and attaches the given
// pointers to it, atomically. Provenance is mandatory: an empty pointer set
// fails with ErrMissingProvenance and nothing is written.
func (s *Store) CreateRuleWithPointers(ctx context.Context, r *Rule, pointerIDs []string) error {
	if len(pointerIDs) == 0 {
		return ErrMissingProvenance
	}
	if r.ID == "" {
		r.ID = s.newRuleID()
	}
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = StatusDraft
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rules (`+ruleCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ConceptSlug, r.PredicateJSON, r.Value, r.ValueType, r.Authority,
		r.RiskTier, r.Status, r.ApprovedBy, r.RejectReason, r.ReviewNotes,
		r.SourceDate, r.SupersededBy, r.ReleaseID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for _, pid := range pointerIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE source_pointers SET rule_id = ? WHERE id = ? AND rule_id = ''`,
			r.ID, pid)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("regstore: pointer %s missing or already attached", pid)
		}
	}
	return tx.Commit()
}

// GetRule retrieves a rule by ID, or nil.
func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE id = ?`, id)
	return scanRule(row.Scan)
}

// ListRulesByStatus returns rules in a given status, oldest update first.
func (s *Store) ListRulesByStatus(ctx context.Context, status RuleStatus, limit int) ([]*Rule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE status = ?
		ORDER BY updated_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// ListRulesByConcept returns all rules for a concept, newest first.
func (s *Store) ListRulesByConcept(ctx context.Context, slug string) ([]*Rule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE concept_slug = ?
		ORDER BY created_at DESC`, slug)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// ActiveRulesByConcept returns the published rules for a concept, the set a
// newly approved rule must be checked against for conflicts.
func (s *Store) ActiveRulesByConcept(ctx context.Context, slug string) ([]*Rule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules
		WHERE concept_slug = ? AND status IN (?, ?)
		ORDER BY created_at DESC`, slug, StatusApproved, StatusPublished)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// SubmitRule moves a draft into pending_review.
func (s *Store) SubmitRule(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPendingReview, "", "", "")
}

// ApproveRule records a reviewer decision moving the rule to approved.
// T0/T1 rules fail with ErrApprovalRequired unless approvedBy is set.
func (s *Store) ApproveRule(ctx context.Context, id, approvedBy, notes string) error {
	return s.transition(ctx, id, StatusApproved, approvedBy, "", notes)
}

// RejectRule moves the rule to rejected with a mandatory reason.
func (s *Store) RejectRule(ctx context.Context, id, reason string) error {
	if reason == "" {
		return errors.New("regstore: reject reason required")
	}
	return s.transition(ctx, id, StatusRejected, "", reason, "")
}

func (s *Store) transition(ctx context.Context, id string, to RuleStatus, approvedBy, reason, notes string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		from RuleStatus
		tier RiskTier
	)
	err = tx.QueryRowContext(ctx, `SELECT status, risk_tier FROM rules WHERE id = ?`, id).
		Scan(&from, &tier)
	if err == sql.ErrNoRows {
		return ErrRuleNotFound
	}
	if err != nil {
		return err
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	if to == StatusApproved && tier.RequiresHuman() && approvedBy == "" {
		return fmt.Errorf("%w: rule %s is %s", ErrApprovalRequired, id, tier)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE rules SET status = ?,
			approved_by = CASE WHEN ? != '' THEN ? ELSE approved_by END,
			reject_reason = CASE WHEN ? != '' THEN ? ELSE reject_reason END,
			review_notes = CASE WHEN ? != '' THEN ? ELSE review_notes END,
			updated_at = ?
		WHERE id = ?`,
		to, approvedBy, approvedBy, reason, reason, notes, notes,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AppendReviewNotes accumulates a validation note on a rule without moving
// its status. Used for drafts that keep failing checks.
func (s *Store) AppendReviewNotes(ctx context.Context, id, note string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE rules SET
			review_notes = CASE WHEN review_notes = ''
				THEN ? ELSE review_notes || '; ' || ? END,
			updated_at = ?
		WHERE id = ?`,
		note, note, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// DeprecateRule retires a published rule in favor of a winning rule,
// recording the supersession link. Used by conflict resolution.
func (s *Store) DeprecateRule(ctx context.Context, id, supersededBy string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE rules SET status = ?, superseded_by = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusDeprecated, supersededBy, time.Now().UnixMilli(),
		id, StatusApproved, StatusPublished)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: deprecate %s", ErrBadTransition, id)
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(scan func(...any) error) (*Rule, error) {
	var r Rule
	err := scan(&r.ID, &r.ConceptSlug, &r.PredicateJSON, &r.Value, &r.ValueType,
		&r.Authority, &r.RiskTier, &r.Status, &r.ApprovedBy, &r.RejectReason,
		&r.ReviewNotes, &r.SourceDate, &r.SupersededBy, &r.ReleaseID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	return &r, nil
}
