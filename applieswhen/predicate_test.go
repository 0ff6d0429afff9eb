package applieswhen

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRejectsUnknownOperator(t *testing.T) {
	// WHAT: Unknown op fails with ErrInvalidPredicate at construction.
	// WHY: Predicates must be validated against the fixed operator set, not
	// at evaluation time.
	_, err := Parse([]byte(`{"op":"fuzzy_match","field":"x"}`))
	if !errors.Is(err, ErrInvalidPredicate) {
		t.Fatalf("got %v, want ErrInvalidPredicate", err)
	}
}

func TestParseRejectsMalformedShapes(t *testing.T) {
	cases := []string{
		`{"op":"cmp","field":"x","cmp":"~=","value":1}`, // bad comparator
		`{"op":"cmp","cmp":"==","value":1}`,             // missing field
		`{"op":"in","field":"x"}`,                       // missing values
		`{"op":"not"}`,                                  // missing arg
		`{"op":"between","field":"x","low":1}`,          // missing high
		`{"op":"matches","field":"x","pattern":"("}`,    // bad regexp
		`{"op":"date_in_effect","field":"d","from":"not-a-date"}`,
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); !errors.Is(err, ErrInvalidPredicate) {
			t.Errorf("%s: got %v, want ErrInvalidPredicate", c, err)
		}
	}
}

func TestEvalCmp(t *testing.T) {
	p := MustParse(`{"op":"cmp","field":"rate","cmp":">=","value":25}`)

	if !p.Eval(Context{"rate": 25.0}) {
		t.Error("25 >= 25 should hold")
	}
	if p.Eval(Context{"rate": 13.0}) {
		t.Error("13 >= 25 should not hold")
	}
}

func TestEvalUnknownFieldIsFalse(t *testing.T) {
	// WHAT: Missing context fields evaluate the containing predicate to
	// false rather than raising.
	// WHY: Evaluation must be total — consumers pass arbitrary contexts.
	p := MustParse(`{"op":"cmp","field":"employees","cmp":"<","value":10}`)
	if p.Eval(Context{}) {
		t.Error("missing field must be false")
	}

	// Under not, a missing field flips to true: not(false).
	n := MustParse(`{"op":"not","arg":{"op":"exists","field":"vat_id"}}`)
	if !n.Eval(Context{}) {
		t.Error("not(exists missing) should be true")
	}
}

func TestEvalAndOrNot(t *testing.T) {
	p := MustParse(`{"op":"and","args":[
		{"op":"exists","field":"country"},
		{"op":"or","args":[
			{"op":"cmp","field":"country","cmp":"==","value":"HR"},
			{"op":"cmp","field":"country","cmp":"==","value":"SI"}
		]}
	]}`)

	if !p.Eval(Context{"country": "HR"}) {
		t.Error("HR should match")
	}
	if p.Eval(Context{"country": "DE"}) {
		t.Error("DE should not match")
	}
}

func TestEvalInBetweenMatches(t *testing.T) {
	in := MustParse(`{"op":"in","field":"activity","values":["trade","services"]}`)
	if !in.Eval(Context{"activity": "trade"}) {
		t.Error("in: trade should match")
	}

	between := MustParse(`{"op":"between","field":"revenue","low":0,"high":300000}`)
	if !between.Eval(Context{"revenue": 150000.0}) {
		t.Error("between: 150000 in [0,300000]")
	}
	if between.Eval(Context{"revenue": 300001.0}) {
		t.Error("between: 300001 out of range")
	}

	matches := MustParse(`{"op":"matches","field":"oib","pattern":"^[0-9]{11}$"}`)
	if !matches.Eval(Context{"oib": "12345678901"}) {
		t.Error("matches: valid OIB")
	}
	if matches.Eval(Context{"oib": "abc"}) {
		t.Error("matches: invalid OIB")
	}
}

func TestEvalDateInEffect(t *testing.T) {
	p := MustParse(`{"op":"date_in_effect","field":"on_date","from":"2025-01-01","until":"2025-12-31"}`)

	if !p.Eval(Context{"on_date": "2025-06-15"}) {
		t.Error("mid-window date should hold")
	}
	if p.Eval(Context{"on_date": "2026-01-01"}) {
		t.Error("past window should not hold")
	}

	// Open-ended window.
	open := MustParse(`{"op":"date_in_effect","field":"on_date","from":"2025-01-01"}`)
	if !open.Eval(Context{"on_date": "2030-01-01"}) {
		t.Error("open-ended window should hold")
	}
}

func TestEvalTypeMismatchIsFalse(t *testing.T) {
	p := MustParse(`{"op":"cmp","field":"rate","cmp":"==","value":25}`)
	if p.Eval(Context{"rate": "twenty-five"}) {
		t.Error("type mismatch must be false, not an error")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	// WHAT: Marshal produces wire JSON that parses back to an equal tree.
	src := `{"op":"and","args":[{"op":"cmp","field":"rate","cmp":"==","value":25},{"op":"exists","field":"vat_registered"}]}`
	p := MustParse(src)

	out, err := Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	b1, _ := json.Marshal(p)
	b2, _ := json.Marshal(again)
	if string(b1) != string(b2) {
		t.Errorf("round trip drift:\n%s\n%s", b1, b2)
	}
}

func TestFields(t *testing.T) {
	p := MustParse(`{"op":"and","args":[
		{"op":"cmp","field":"a","cmp":"==","value":1},
		{"op":"not","arg":{"op":"exists","field":"b"}}
	]}`)
	fields := Fields(p)
	if len(fields) != 2 {
		t.Fatalf("fields: got %v", fields)
	}
}

func TestOverlapsDisjointConstants(t *testing.T) {
	// WHAT: Predicates pinning the same field to different constants are
	// provably disjoint; everything else is treated as overlapping.
	a := MustParse(`{"op":"cmp","field":"country","cmp":"==","value":"HR"}`)
	b := MustParse(`{"op":"cmp","field":"country","cmp":"==","value":"SI"}`)
	if Overlaps(a, b) {
		t.Error("HR vs SI must be disjoint")
	}

	c := MustParse(`{"op":"in","field":"country","values":["HR","SI"]}`)
	if !Overlaps(a, c) {
		t.Error("HR vs {HR,SI} must overlap")
	}

	// Different fields: conservative overlap.
	d := MustParse(`{"op":"cmp","field":"rate","cmp":"==","value":25}`)
	if !Overlaps(a, d) {
		t.Error("different fields must be treated as overlapping")
	}
}

func TestOverlapsDateWindows(t *testing.T) {
	a := MustParse(`{"op":"date_in_effect","field":"on_date","from":"2024-01-01","until":"2024-12-31"}`)
	b := MustParse(`{"op":"date_in_effect","field":"on_date","from":"2025-01-01","until":"2025-12-31"}`)
	if Overlaps(a, b) {
		t.Error("non-intersecting windows must be disjoint")
	}

	c := MustParse(`{"op":"date_in_effect","field":"on_date","from":"2024-06-01"}`)
	if !Overlaps(a, c) {
		t.Error("intersecting windows must overlap")
	}
}
