package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/taxway/regtruth/dbopen"
	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/llm"
	"github.com/taxway/regtruth/regstore"
	_ "modernc.org/sqlite"
)

// fakeProvider returns scripted responses in order, then repeats the last.
type fakeProvider struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &llm.Response{Content: f.responses[i], Model: "fake:model"}, nil
}

func testExtractor(t *testing.T, p llm.Provider) (*Extractor, *evidence.Store, *regstore.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(evidence.Schema+regstore.Schema))
	ev := evidence.NewStore(db)
	rs := regstore.NewStore(db)
	x := New(p, ev, rs, Config{CallsPerMinute: 60000, RateLimitBase: 1}, nil)
	return x, ev, rs
}

const vatDoc = `<html><body><p>Opća stopa PDV-a iznosi 25% i primjenjuje se
od 1. siječnja 2026.</p><p>Snižena stopa od 13% vrijedi za ugostiteljstvo.</p></body></html>`

// WHAT: Tests the full extraction path: model output → schema validation →
// grounding → persisted pointers with agent run bookkeeping.
func TestProcessEvidence(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"extractions":[
		{"domain":"vat","topic":"standard rate","value":"25%","value_type":"percent",
		 "quote":"Opća stopa PDV-a iznosi 25%","confidence":0.95},
		{"domain":"vat","topic":"reduced rate","value":"13%","value_type":"percent",
		 "quote":"Snižena stopa od 13% vrijedi za ugostiteljstvo","confidence":0.9}
	]}`}}
	x, ev, rs := testExtractor(t, p)
	ctx := context.Background()

	rec, err := ev.Put(ctx, "https://tax.example.hr/pdv", []byte(vatDoc), "text/html")
	if err != nil {
		t.Fatal(err)
	}

	n, err := x.ProcessEvidence(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ProcessEvidence: %v", err)
	}
	if n != 2 {
		t.Fatalf("kept %d pointers, want 2", n)
	}

	ptrs, err := rs.ListPointersByEvidence(ctx, rec.ID)
	if err != nil || len(ptrs) != 2 {
		t.Fatalf("pointers = %v, %v", ptrs, err)
	}
	byValue := map[string]*regstore.SourcePointer{}
	for _, p := range ptrs {
		byValue[p.Value] = p
	}
	std := byValue["25%"]
	if std == nil || std.Domain != "vat/standard rate" || std.ValueType != "percent" {
		t.Fatalf("standard-rate pointer = %+v", std)
	}

	runs, err := rs.ListRunsBySubject(ctx, rec.ID)
	if err != nil || len(runs) != 1 || runs[0].Status != "ok" {
		t.Fatalf("runs = %v, %v", runs, err)
	}
}

// WHAT: Tests that ungrounded quotes and values absent from their quote are
// dropped while grounded ones survive.
// WHY: A hallucinated quote must never become a source pointer.
func TestDropsUngroundedExtractions(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"extractions":[
		{"domain":"vat","value":"25%","value_type":"percent",
		 "quote":"Opća stopa PDV-a iznosi 25%","confidence":0.95},
		{"domain":"vat","value":"30%","value_type":"percent",
		 "quote":"The rate was raised to 30% last year","confidence":0.8},
		{"domain":"vat","value":"19%","value_type":"percent",
		 "quote":"Opća stopa PDV-a iznosi 25%","confidence":0.7}
	]}`}}
	x, ev, rs := testExtractor(t, p)
	ctx := context.Background()

	rec, err := ev.Put(ctx, "https://tax.example.hr/pdv", []byte(vatDoc), "text/html")
	if err != nil {
		t.Fatal(err)
	}
	n, err := x.ProcessEvidence(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ProcessEvidence: %v", err)
	}
	// Quote not in document → dropped; value not in quote → dropped.
	if n != 1 {
		t.Fatalf("kept %d pointers, want 1", n)
	}
	ptrs, _ := rs.ListPointersByEvidence(ctx, rec.ID)
	if len(ptrs) != 1 || ptrs[0].Value != "25%" {
		t.Fatalf("pointers = %+v", ptrs)
	}
}

// WHAT: Tests that schema-violating model output fails the run and records
// a failed agent run.
func TestInvalidOutputFailsRun(t *testing.T) {
	p := &fakeProvider{responses: []string{`{"extractions":[{"domain":"vat"}]}`}}
	x, ev, rs := testExtractor(t, p)
	ctx := context.Background()

	rec, _ := ev.Put(ctx, "https://tax.example.hr/pdv", []byte(vatDoc), "text/html")
	if _, err := x.ProcessEvidence(ctx, rec.ID, 2); err == nil {
		t.Fatal("expected schema violation error")
	}
	failed, err := rs.ListFailedRuns(ctx, Stage, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed runs = %v, %v", failed, err)
	}
	if failed[0].SubjectID != rec.ID || failed[0].Attempt != 2 {
		t.Fatalf("failed run = %+v", failed[0])
	}
}

// WHAT: Tests retry on transient model errors.
func TestRetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{
		responses: []string{"", `{"extractions":[]}`},
		errs:      []error{errors.New("connection reset"), nil},
	}
	x, ev, _ := testExtractor(t, p)
	ctx := context.Background()

	rec, _ := ev.Put(ctx, "https://tax.example.hr/empty", []byte("<html><body>nista</body></html>"), "text/html")
	n, err := x.ProcessEvidence(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ProcessEvidence: %v", err)
	}
	if n != 0 || p.calls != 2 {
		t.Fatalf("n=%d calls=%d", n, p.calls)
	}
}

// WHAT: Tests output parsing: fences tolerated, non-JSON and schema
// violations rejected.
func TestParseOutput(t *testing.T) {
	good := "```json\n{\"extractions\":[]}\n```"
	if _, err := parseOutput(good); err != nil {
		t.Errorf("fenced output rejected: %v", err)
	}
	if _, err := parseOutput("Sure! Here are the facts: ..."); err == nil {
		t.Error("prose output accepted")
	}
	if _, err := parseOutput(`{"extractions":[{"domain":"vat","value":"25%",
		"value_type":"ratio","quote":"q","confidence":0.5}]}`); err == nil {
		t.Error("unknown value_type accepted")
	}
	if _, err := parseOutput(`{"extractions":[{"domain":"vat","value":"25%",
		"value_type":"percent","quote":"q","confidence":1.5}]}`); err == nil {
		t.Error("confidence above 1 accepted")
	}
}
