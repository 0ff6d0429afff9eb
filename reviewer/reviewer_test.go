package reviewer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/taxway/regtruth/dbopen"
	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/regstore"
	_ "modernc.org/sqlite"
)

const alwaysTrue = `{"op":"and","args":[]}`

type fixture struct {
	rev *Reviewer
	ev  *evidence.Store
	rs  *regstore.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(evidence.Schema+regstore.Schema))
	ev := evidence.NewStore(db)
	rs := regstore.NewStore(db)
	return &fixture{rev: New(rs, ev, cfg, nil), ev: ev, rs: rs}
}

// seedRule creates a rule at the given status, backed by one pointer whose
// quote is a verbatim substring of its evidence.
func (f *fixture) seedRule(t *testing.T, concept, value, quote string, tier regstore.RiskTier, conf float64, status regstore.RuleStatus) *regstore.Rule {
	t.Helper()
	ctx := context.Background()

	rec, err := f.ev.Put(ctx, "https://narodne-novine.nn.hr/"+concept+"/"+value,
		[]byte("Obavijest. "+quote+" Kraj."), "text/plain")
	if err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
		t.Fatal(err)
	}
	p := &regstore.SourcePointer{
		EvidenceID: rec.ID,
		Quote:      quote,
		Value:      value,
		ValueType:  "percent",
		Domain:     concept,
		Confidence: conf,
	}
	if err := f.rs.InsertPointer(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := f.rs.UpsertConcept(ctx, concept, concept); err != nil {
		t.Fatal(err)
	}
	r := &regstore.Rule{
		ConceptSlug:   concept,
		PredicateJSON: alwaysTrue,
		Value:         value,
		ValueType:     "percent",
		Authority:     regstore.AuthorityLaw,
		RiskTier:      tier,
	}
	if err := f.rs.CreateRuleWithPointers(ctx, r, []string{p.ID}); err != nil {
		t.Fatal(err)
	}
	if status == regstore.StatusDraft {
		return r
	}
	if err := f.rs.SubmitRule(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if status == regstore.StatusApproved {
		if err := f.rs.ApproveRule(ctx, r.ID, "reviewer@taxway", ""); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

// WHAT: Tests that a valid draft is submitted and then waits for a human
// because its tier requires one, no matter how confident the extraction.
func TestHighTierWaitsForHuman(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	r := f.seedRule(t, "vat-standard-rate", "25%",
		"Opća stopa PDV-a iznosi 25%", regstore.TierT0, 0.98, regstore.StatusDraft)

	stats, err := f.rev.ReviewBatch(ctx)
	if err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	if stats.Submitted != 1 || stats.Approved != 0 || stats.Held != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.rs.GetRule(ctx, r.ID)
	if got.Status != regstore.StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", got.Status)
	}

	if err := f.rev.Approve(ctx, r.ID, ""); !errors.Is(err, regstore.ErrApprovalRequired) {
		t.Fatalf("empty reviewer id: %v", err)
	}
	if err := f.rev.Approve(ctx, r.ID, "reviewer@taxway"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got, _ = f.rs.GetRule(ctx, r.ID)
	if got.Status != regstore.StatusApproved || got.ApprovedBy != "reviewer@taxway" {
		t.Fatalf("rule = %+v", got)
	}
}

// WHAT: Tests auto-approval for low tiers: a confident T3 rule passes
// without a human, a less confident one is held.
func TestAutoApproveLowTier(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	confident := f.seedRule(t, "filing-channel", "85%",
		"oko 85% prijava podnosi se elektronički", regstore.TierT3, 0.95, regstore.StatusDraft)
	hesitant := f.seedRule(t, "filing-share", "60%",
		"procjena od 60% obrta", regstore.TierT3, 0.7, regstore.StatusDraft)

	stats, err := f.rev.ReviewBatch(ctx)
	if err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	if stats.Submitted != 2 || stats.Approved != 1 || stats.Held != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.rs.GetRule(ctx, confident.ID)
	if got.Status != regstore.StatusApproved || got.ApprovedBy != AutoApprover {
		t.Fatalf("confident rule = %+v", got)
	}
	if got, _ := f.rs.GetRule(ctx, hesitant.ID); got.Status != regstore.StatusPendingReview {
		t.Fatalf("hesitant rule status = %s", got.Status)
	}
}

// WHAT: Tests that a draft whose quote is not in its evidence stays in
// draft with the failure recorded in its notes.
// WHY: rules that keep failing validation must accumulate context, not be
// force-advanced or silently dropped.
func TestBrokenDraftStaysPut(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	r := f.seedRule(t, "vat-standard-rate", "25%",
		"Opća stopa PDV-a iznosi 25%", regstore.TierT2, 0.9, regstore.StatusDraft)
	// Corrupt the pointer quote so grounding fails.
	if _, err := f.rs.DB.ExecContext(ctx,
		`UPDATE source_pointers SET quote = 'ovaj tekst ne postoji 25%' WHERE rule_id = ?`,
		r.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := f.rev.ReviewBatch(ctx)
	if err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	if stats.Submitted != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.rs.GetRule(ctx, r.ID)
	if got.Status != regstore.StatusDraft {
		t.Fatalf("status = %s, want draft", got.Status)
	}
	if !strings.Contains(got.ReviewNotes, "quote not found") {
		t.Fatalf("notes = %q", got.ReviewNotes)
	}
}

// WHAT: Tests conflict detection: a pending rule disagreeing with an
// approved rule on overlapping scope raises one conflict and is held, and a
// second pass does not raise a duplicate.
func TestConflictHoldsRule(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedRule(t, "vat-standard-rate", "25%",
		"Opća stopa PDV-a iznosi 25%", regstore.TierT0, 0.95, regstore.StatusApproved)
	challenger := f.seedRule(t, "vat-standard-rate", "23%",
		"stopa PDV-a iznosi 23%", regstore.TierT0, 0.9, regstore.StatusPendingReview)

	stats, err := f.rev.ReviewBatch(ctx)
	if err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	if stats.Conflicts != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := f.rs.GetRule(ctx, challenger.ID)
	if got.Status != regstore.StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", got.Status)
	}
	open, err := f.rs.ListOpenConflicts(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("open conflicts = %v, %v", open, err)
	}
	if open[0].Type != regstore.ConflictScope {
		t.Fatalf("conflict type = %s", open[0].Type)
	}

	if _, err := f.rev.ReviewBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if open, _ = f.rs.ListOpenConflicts(ctx, 10); len(open) != 1 {
		t.Fatalf("duplicate conflict raised: %d open", len(open))
	}
}

// WHAT: Tests that an escalated conflict still suppresses duplicate raises:
// the held rule stays pending and no new conflict row appears on later
// passes while a human decision is outstanding.
func TestEscalatedConflictBlocksReraise(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.seedRule(t, "vat-standard-rate", "25%",
		"Opća stopa PDV-a iznosi 25%", regstore.TierT0, 0.95, regstore.StatusApproved)
	challenger := f.seedRule(t, "vat-standard-rate", "23%",
		"stopa PDV-a iznosi 23%", regstore.TierT0, 0.9, regstore.StatusPendingReview)

	if _, err := f.rev.ReviewBatch(ctx); err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	open, err := f.rs.ListOpenConflicts(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("open conflicts = %v, %v", open, err)
	}
	if err := f.rs.EscalateConflict(ctx, open[0].ID, "authorities tied"); err != nil {
		t.Fatalf("EscalateConflict: %v", err)
	}

	if _, err := f.rev.ReviewBatch(ctx); err != nil {
		t.Fatal(err)
	}
	var total int
	if err := f.rs.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts`).Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("conflict re-raised behind escalation: %d rows", total)
	}
	if got, _ := f.rs.GetRule(ctx, challenger.ID); got.Status != regstore.StatusPendingReview {
		t.Fatalf("status = %s, want pending_review", got.Status)
	}
}

// WHAT: Tests the legacy auto-approval flag: when enabled it covers a
// confident T1 rule with a synthetic approver but still refuses T0.
func TestLegacyAutoApprove(t *testing.T) {
	f := newFixture(t, Config{AllowLegacyAutoApprove: true})
	ctx := context.Background()

	t1 := f.seedRule(t, "filing-deadline", "31%",
		"kvota iznosi 31%", regstore.TierT1, 0.95, regstore.StatusDraft)
	t0 := f.seedRule(t, "vat-standard-rate", "25%",
		"Opća stopa PDV-a iznosi 25%", regstore.TierT0, 0.95, regstore.StatusDraft)

	if _, err := f.rev.ReviewBatch(ctx); err != nil {
		t.Fatalf("ReviewBatch: %v", err)
	}
	got, _ := f.rs.GetRule(ctx, t1.ID)
	if got.Status != regstore.StatusApproved || got.ApprovedBy != AutoApprover {
		t.Fatalf("t1 rule = %+v", got)
	}
	if got, _ := f.rs.GetRule(ctx, t0.ID); got.Status != regstore.StatusPendingReview {
		t.Fatalf("t0 status = %s, want pending_review", got.Status)
	}
}
