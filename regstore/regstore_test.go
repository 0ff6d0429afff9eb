package regstore

import (
	"context"
	"errors"
	"testing"

	"github.com/taxway/regtruth/dbopen"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db)
}

func mustPointer(t *testing.T, s *Store, quote, value string) *SourcePointer {
	t.Helper()
	p := &SourcePointer{
		EvidenceID: "ev_test",
		Quote:      quote,
		Value:      value,
		ValueType:  "percent",
		Domain:     "vat",
		Confidence: 0.9,
	}
	if err := s.InsertPointer(context.Background(), p); err != nil {
		t.Fatalf("InsertPointer: %v", err)
	}
	return p
}

func mustRule(t *testing.T, s *Store, status RuleStatus) *Rule {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertConcept(ctx, "vat-standard-rate", "Standard VAT rate"); err != nil {
		t.Fatalf("UpsertConcept: %v", err)
	}
	p := mustPointer(t, s, "the standard rate is 25%", "25")
	r := &Rule{
		ConceptSlug:   "vat-standard-rate",
		PredicateJSON: `{"op":"and","args":[]}`,
		Value:         "25",
		ValueType:     "percent",
		Authority:     AuthorityLaw,
		RiskTier:      TierT0,
	}
	if err := s.CreateRuleWithPointers(ctx, r, []string{p.ID}); err != nil {
		t.Fatalf("CreateRuleWithPointers: %v", err)
	}
	// Walk the state machine to the requested status.
	steps := map[RuleStatus][]func() error{
		StatusPendingReview: {func() error { return s.SubmitRule(ctx, r.ID) }},
		StatusApproved: {
			func() error { return s.SubmitRule(ctx, r.ID) },
			func() error { return s.ApproveRule(ctx, r.ID, "reviewer@taxway", "") },
		},
	}
	for _, step := range steps[status] {
		if err := step(); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	got, err := s.GetRule(ctx, r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRule: %v, %v", got, err)
	}
	return got
}

// WHAT: Tests that a rule cannot be created without provenance.
// WHY: Every rule must be backed by at least one source pointer; an
// unbacked rule would be an unverifiable claim.
func TestCreateRuleRequiresPointers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &Rule{ConceptSlug: "vat-standard-rate", Value: "25", ValueType: "percent",
		Authority: AuthorityLaw, RiskTier: TierT0, PredicateJSON: "{}"}
	err := s.CreateRuleWithPointers(ctx, r, nil)
	if !errors.Is(err, ErrMissingProvenance) {
		t.Fatalf("expected ErrMissingProvenance, got %v", err)
	}
	if got, _ := s.GetRule(ctx, r.ID); got != nil {
		t.Fatal("rule was persisted despite missing provenance")
	}
}

// WHAT: Tests that rule creation and pointer attachment are atomic.
// WHY: A pointer that is missing or already claimed by another rule must
// roll back the whole creation, leaving no half-attached rule.
func TestCreateRuleAtomicAttachment(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.UpsertConcept(ctx, "vat-standard-rate", "Standard VAT rate"); err != nil {
		t.Fatal(err)
	}
	p := mustPointer(t, s, "rate is 25%", "25")

	r := &Rule{ConceptSlug: "vat-standard-rate", Value: "25", ValueType: "percent",
		Authority: AuthorityLaw, RiskTier: TierT0, PredicateJSON: "{}"}
	err := s.CreateRuleWithPointers(ctx, r, []string{p.ID, "sp_missing"})
	if err == nil {
		t.Fatal("expected error for missing pointer")
	}
	if got, _ := s.GetRule(ctx, r.ID); got != nil {
		t.Fatal("rule persisted despite failed attachment")
	}
	// The good pointer must still be ungrouped after rollback.
	free, err := s.ListUngroupedPointers(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(free) != 1 || free[0].ID != p.ID {
		t.Fatalf("expected pointer %s ungrouped after rollback, got %v", p.ID, free)
	}
}

// WHAT: Tests the review state machine transitions.
// WHY: Only draft→pending_review→approved/rejected→published→deprecated
// paths are legal; skipping review would bypass the approval gate.
func TestRuleStatusTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusDraft)

	// Approving a draft directly must fail.
	err := s.ApproveRule(ctx, r.ID, "reviewer@taxway", "")
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}

	if err := s.SubmitRule(ctx, r.ID); err != nil {
		t.Fatalf("SubmitRule: %v", err)
	}
	if err := s.ApproveRule(ctx, r.ID, "reviewer@taxway", "checked against NN 39/22"); err != nil {
		t.Fatalf("ApproveRule: %v", err)
	}
	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != StatusApproved || got.ApprovedBy != "reviewer@taxway" {
		t.Fatalf("got status=%s approved_by=%q", got.Status, got.ApprovedBy)
	}

	// A second approval of an already approved rule must fail.
	if err := s.ApproveRule(ctx, r.ID, "other", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition on re-approval, got %v", err)
	}
}

/// WHAT: Tests the structural approval gate: a T0 rule cannot reach
// approved without a reviewer identity.
// WHY: tiers T0/T1 carry money/legal impact; the gate must hold at the
// store level so no caller can slip past it.
func TestApprovalGate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusPendingReview)

	err := s.ApproveRule(ctx, r.ID, "", "")
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != StatusPendingReview {
		t.Fatalf("rule moved to %s, want pending_review", got.Status)
	}

	if err := s.ApproveRule(ctx, r.ID, "reviewer@taxway", ""); err != nil {
		t.Fatalf("ApproveRule with identity: %v", err)
	}
}

// WHAT: Tests that AppendReviewNotes accumulates notes across calls.
func TestAppendReviewNotes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusDraft)

	if err := s.AppendReviewNotes(ctx, r.ID, "low confidence"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendReviewNotes(ctx, r.ID, "quote not grounded"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRule(ctx, r.ID)
	if got.ReviewNotes != "low confidence; quote not grounded" {
		t.Fatalf("notes = %q", got.ReviewNotes)
	}
	if err := s.AppendReviewNotes(ctx, "rul_missing", "x"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

// WHAT: Tests that rejection requires a reason and records it.
func TestRejectRule(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusPendingReview)

	if err := s.RejectRule(ctx, r.ID, ""); err == nil {
		t.Fatal("expected error for empty reject reason")
	}
	if err := s.RejectRule(ctx, r.ID, "quote does not support the value"); err != nil {
		t.Fatalf("RejectRule: %v", err)
	}
	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != StatusRejected || got.RejectReason == "" {
		t.Fatalf("got status=%s reason=%q", got.Status, got.RejectReason)
	}
}

// WHAT: Tests atomic release publication.
// WHY: The release record and the approved→published flips must land in a
// single transaction so a reader never sees a half-published release.
func TestPublishRelease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusApproved)

	snap, err := s.ApprovedUnpublished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[0].ID != r.ID {
		t.Fatalf("snapshot = %v", snap)
	}

	rel := &Release{
		Version:        "1.0.0",
		ReleaseType:    "major",
		ContentHash:    "abc123",
		RuleIDs:        []string{r.ID},
		PublishedCount: 1,
	}
	if err := s.PublishRelease(ctx, rel); err != nil {
		t.Fatalf("PublishRelease: %v", err)
	}

	got, _ := s.GetRule(ctx, r.ID)
	if got.Status != StatusPublished || got.ReleaseID != rel.ID {
		t.Fatalf("rule after publish: status=%s release=%s", got.Status, got.ReleaseID)
	}
	latest, err := s.LatestRelease(ctx)
	if err != nil || latest == nil || latest.Version != "1.0.0" {
		t.Fatalf("LatestRelease = %v, %v", latest, err)
	}
	if left, _ := s.ApprovedUnpublished(ctx); len(left) != 0 {
		t.Fatalf("still unpublished: %v", left)
	}
}

/// WHAT: Tests that publication aborts when a rule left the approved state.
func TestPublishReleaseStaleSnapshot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := mustRule(t, s, StatusApproved)

	// Someone deprecates the rule between snapshot and publish.
	if err := s.DeprecateRule(ctx, r.ID, ""); err != nil {
		t.Fatalf("DeprecateRule: %v", err)
	}

	rel := &Release{Version: "1.0.0", ReleaseType: "major",
		ContentHash: "abc", RuleIDs: []string{r.ID}}
	if err := s.PublishRelease(ctx, rel); err == nil {
		t.Fatal("expected publish to abort on stale snapshot")
	}
	// The release row must not survive the rollback.
	if got, _ := s.GetReleaseByVersion(ctx, "1.0.0"); got != nil {
		t.Fatal("release persisted despite rollback")
	}
}

// WHAT: Tests the conflict lifecycle open→resolved with preserved inputs.
func TestConflictLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &Conflict{
		RuleIDs: []string{"rul_a", "rul_b"},
		Type:    ConflictSource,
	}
	if err := s.InsertConflict(ctx, c); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}

	open, err := s.ListOpenConflicts(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpenConflicts = %v, %v", open, err)
	}

	// Duplicate detection by exact rule set.
	dup, err := s.OpenConflictForRules(ctx, []string{"rul_a", "rul_b"})
	if err != nil || dup == nil || dup.ID != c.ID {
		t.Fatalf("OpenConflictForRules = %v, %v", dup, err)
	}

	inputs := `{"authorities":{"rul_a":"law","rul_b":"guidance"}}`
	if err := s.ResolveConflict(ctx, c.ID, "rul_a", "law outranks guidance", inputs); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	got, _ := s.GetConflict(ctx, c.ID)
	if got.Status != ConflictResolved || got.WinnerID != "rul_a" || got.InputsJSON != inputs {
		t.Fatalf("resolved conflict = %+v", got)
	}
	if got.ResolvedAt == 0 {
		t.Fatal("resolved_at not set")
	}

	// Resolving twice must fail.
	if err := s.ResolveConflict(ctx, c.ID, "rul_b", "", ""); err == nil {
		t.Fatal("expected error resolving a closed conflict")
	}
}

// WHAT: Tests agent run bookkeeping: start, finish, fail, and listing.
func TestAgentRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.StartRun(ctx, "extract", "ev_1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, ok); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	bad, err := s.StartRun(ctx, "extract", "ev_2", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FailRun(ctx, bad, errors.New("model returned invalid JSON")); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	failed, err := s.ListFailedRuns(ctx, "extract", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].SubjectID != "ev_2" || failed[0].Attempt != 3 {
		t.Fatalf("failed runs = %v", failed)
	}
	if failed[0].Error == "" || failed[0].FinishedAt == 0 {
		t.Fatalf("failed run missing details: %+v", failed[0])
	}

	// Finishing an already-finished run must fail.
	if err := s.FinishRun(ctx, ok); err == nil {
		t.Fatal("expected error finishing a finished run")
	}
}

// WHAT: Tests authority precedence ranks and tier gating helpers.
func TestTypeHelpers(t *testing.T) {
	if AuthorityLaw.Rank() <= AuthorityGuidance.Rank() {
		t.Fatal("law must outrank guidance")
	}
	if AuthorityGuidance.Rank() <= AuthorityProcedure.Rank() {
		t.Fatal("guidance must outrank procedure")
	}
	if AuthorityProcedure.Rank() <= AuthorityPractice.Rank() {
		t.Fatal("procedure must outrank practice")
	}
	if AuthorityLevel("blog").Valid() {
		t.Fatal("unknown authority must be invalid")
	}
	if !TierT0.RequiresHuman() || !TierT1.RequiresHuman() {
		t.Fatal("T0 and T1 must require a human approver")
	}
	if TierT2.RequiresHuman() || TierT3.RequiresHuman() {
		t.Fatal("T2 and T3 must not require a human approver")
	}
}
