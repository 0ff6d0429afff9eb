package arbiter

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/taxway/regtruth/dbopen"
	"github.com/taxway/regtruth/regstore"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *regstore.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(regstore.Schema))
	return regstore.NewStore(db)
}

// seedRule creates a rule at the given status with the given precedence
// inputs. Publication goes through a release so the state machine holds.
func seedRule(t *testing.T, s *regstore.Store, authority regstore.AuthorityLevel, sourceDate string, status regstore.RuleStatus) *regstore.Rule {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertConcept(ctx, "vat-standard-rate", "Vat Standard Rate"); err != nil {
		t.Fatal(err)
	}
	p := &regstore.SourcePointer{
		EvidenceID: "ev_test", Quote: "stopa iznosi 25%", Value: "25%",
		ValueType: "percent", Domain: "vat", Confidence: 0.9,
	}
	if err := s.InsertPointer(ctx, p); err != nil {
		t.Fatal(err)
	}
	r := &regstore.Rule{
		ConceptSlug:   "vat-standard-rate",
		PredicateJSON: `{"op":"and","args":[]}`,
		Value:         "25%",
		ValueType:     "percent",
		Authority:     authority,
		RiskTier:      regstore.TierT0,
		SourceDate:    sourceDate,
	}
	if err := s.CreateRuleWithPointers(ctx, r, []string{p.ID}); err != nil {
		t.Fatal(err)
	}
	if status == regstore.StatusDraft {
		return r
	}
	if err := s.SubmitRule(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if status == regstore.StatusPendingReview {
		return r
	}
	if err := s.ApproveRule(ctx, r.ID, "reviewer@taxway", ""); err != nil {
		t.Fatal(err)
	}
	if status == regstore.StatusPublished {
		rel := &regstore.Release{
			Version: "1.0.0-" + r.ID, ReleaseType: "major",
			ContentHash: "test", RuleIDs: []string{r.ID}, PublishedCount: 1,
		}
		if err := s.PublishRelease(ctx, rel); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func openConflict(t *testing.T, s *regstore.Store, a, b *regstore.Rule) *regstore.Conflict {
	t.Helper()
	ids := []string{a.ID, b.ID}
	sort.Strings(ids)
	cf := &regstore.Conflict{RuleIDs: ids, Type: regstore.ConflictScope}
	if err := s.InsertConflict(context.Background(), cf); err != nil {
		t.Fatal(err)
	}
	return cf
}

// WHAT: Tests the authority order: a published law rule beats a published
// guidance rule; the loser is deprecated with a supersession link, never
// deleted, and the winner stays published.
func TestAuthorityWins(t *testing.T) {
	s := testStore(t)
	a := New(s, Config{}, nil)
	ctx := context.Background()

	law := seedRule(t, s, regstore.AuthorityLaw, "2026-01-01", regstore.StatusPublished)
	guidance := seedRule(t, s, regstore.AuthorityGuidance, "2026-06-01", regstore.StatusPublished)
	cf := openConflict(t, s, law, guidance)

	stats, err := a.ArbitrateBatch(ctx)
	if err != nil {
		t.Fatalf("ArbitrateBatch: %v", err)
	}
	if stats.Resolved != 1 || stats.Escalated != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	got, _ := s.GetRule(ctx, law.ID)
	if got.Status != regstore.StatusPublished {
		t.Fatalf("law rule = %s, want published", got.Status)
	}
	loser, _ := s.GetRule(ctx, guidance.ID)
	if loser.Status != regstore.StatusDeprecated || loser.SupersededBy != law.ID {
		t.Fatalf("guidance rule = %+v", loser)
	}

	closed, _ := s.GetConflict(ctx, cf.ID)
	if closed.Status != regstore.ConflictResolved || closed.WinnerID != law.ID {
		t.Fatalf("conflict = %+v", closed)
	}
	if !strings.Contains(closed.Rationale, "authority") {
		t.Fatalf("rationale = %q", closed.Rationale)
	}
	if !strings.Contains(closed.InputsJSON, law.ID) ||
		!strings.Contains(closed.InputsJSON, guidance.ID) {
		t.Fatalf("inputs = %q", closed.InputsJSON)
	}
}

// WHAT: Tests the recency tiebreak: equal authority goes to the more recent
// source date. The losing challenger is still in review, so it is rejected
// rather than deprecated.
func TestRecencyBreaksAuthorityTie(t *testing.T) {
	s := testStore(t)
	a := New(s, Config{}, nil)
	ctx := context.Background()

	old := seedRule(t, s, regstore.AuthorityLaw, "2024-03-01", regstore.StatusApproved)
	fresh := seedRule(t, s, regstore.AuthorityLaw, "2026-02-15", regstore.StatusPendingReview)
	openConflict(t, s, old, fresh)

	stats, err := a.ArbitrateBatch(ctx)
	if err != nil {
		t.Fatalf("ArbitrateBatch: %v", err)
	}
	if stats.Resolved != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	winner, _ := s.GetRule(ctx, fresh.ID)
	if winner.Status != regstore.StatusPendingReview {
		t.Fatalf("winner status = %s, must stay in review", winner.Status)
	}
	loser, _ := s.GetRule(ctx, old.ID)
	if loser.Status != regstore.StatusDeprecated || loser.SupersededBy != fresh.ID {
		t.Fatalf("loser = %+v", loser)
	}
}

// WHAT: Tests that a full precedence tie is escalated, not guessed: both
// rules keep their status and the conflict is flagged for a human.
func TestTieEscalates(t *testing.T) {
	s := testStore(t)
	a := New(s, Config{}, nil)
	ctx := context.Background()

	one := seedRule(t, s, regstore.AuthorityGuidance, "2026-01-01", regstore.StatusApproved)
	two := seedRule(t, s, regstore.AuthorityGuidance, "2026-01-01", regstore.StatusPendingReview)
	cf := openConflict(t, s, one, two)

	stats, err := a.ArbitrateBatch(ctx)
	if err != nil {
		t.Fatalf("ArbitrateBatch: %v", err)
	}
	if stats.Resolved != 0 || stats.Escalated != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	closed, _ := s.GetConflict(ctx, cf.ID)
	if closed.Status != regstore.ConflictEscalated {
		t.Fatalf("conflict status = %s", closed.Status)
	}
	if got, _ := s.GetRule(ctx, one.ID); got.Status != regstore.StatusApproved {
		t.Fatalf("rule one moved to %s", got.Status)
	}
	if got, _ := s.GetRule(ctx, two.ID); got.Status != regstore.StatusPendingReview {
		t.Fatalf("rule two moved to %s", got.Status)
	}
}

// WHAT: Tests the human resolution path on an escalated-style decision: the
// named winner wins regardless of the automated policy, with the rationale
// recorded.
func TestHumanResolve(t *testing.T) {
	s := testStore(t)
	a := New(s, Config{}, nil)
	ctx := context.Background()

	one := seedRule(t, s, regstore.AuthorityGuidance, "2026-01-01", regstore.StatusApproved)
	two := seedRule(t, s, regstore.AuthorityGuidance, "2026-01-01", regstore.StatusApproved)
	cf := openConflict(t, s, one, two)

	if err := a.Resolve(ctx, cf.ID, two.ID, "confirmed by ministry"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	closed, _ := s.GetConflict(ctx, cf.ID)
	if closed.Status != regstore.ConflictResolved || closed.WinnerID != two.ID {
		t.Fatalf("conflict = %+v", closed)
	}
	loser, _ := s.GetRule(ctx, one.ID)
	if loser.Status != regstore.StatusDeprecated {
		t.Fatalf("loser status = %s", loser.Status)
	}

	// A winner outside the conflict is refused.
	cf2 := openConflict(t, s, seedRule(t, s, regstore.AuthorityLaw, "2026-01-01", regstore.StatusApproved),
		seedRule(t, s, regstore.AuthorityLaw, "2025-01-01", regstore.StatusApproved))
	if err := a.Resolve(ctx, cf2.ID, "rul_outsider", "x"); err == nil {
		t.Fatal("expected error for winner outside conflict")
	}
}

// WHAT: Tests that escalation does not dead-end a conflict: a human can still
// resolve it, the decision closes the row, and the loser is retired. Only the
// automated sweep skips escalated conflicts.
func TestResolveEscalatedConflict(t *testing.T) {
	s := testStore(t)
	a := New(s, Config{}, nil)
	ctx := context.Background()

	one := seedRule(t, s, regstore.AuthorityLaw, "2026-01-01", regstore.StatusApproved)
	two := seedRule(t, s, regstore.AuthorityLaw, "2026-01-01", regstore.StatusApproved)
	cf := openConflict(t, s, one, two)

	if err := a.Escalate(ctx, cf.ID, "equal authority, equal date"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	flagged, _ := s.GetConflict(ctx, cf.ID)
	if flagged.Status != regstore.ConflictEscalated {
		t.Fatalf("status = %s, want escalated", flagged.Status)
	}

	// The sweep leaves escalated conflicts alone.
	stats, err := a.ArbitrateBatch(ctx)
	if err != nil {
		t.Fatalf("ArbitrateBatch: %v", err)
	}
	if stats.Resolved != 0 {
		t.Fatalf("sweep resolved %d escalated conflicts", stats.Resolved)
	}

	if err := a.Resolve(ctx, cf.ID, one.ID, "ministry confirmed the newer text"); err != nil {
		t.Fatalf("Resolve after escalation: %v", err)
	}
	closed, _ := s.GetConflict(ctx, cf.ID)
	if closed.Status != regstore.ConflictResolved || closed.WinnerID != one.ID {
		t.Fatalf("conflict = %+v", closed)
	}
	loser, _ := s.GetRule(ctx, two.ID)
	if loser.Status != regstore.StatusDeprecated {
		t.Fatalf("loser status = %s", loser.Status)
	}
}
