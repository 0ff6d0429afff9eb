// Package applieswhen implements the predicate language that encodes when a
// regulatory rule applies to a business context.
//
// A predicate is a typed tree of operator variants, stored and exchanged as
// structured JSON — never as free text. Construction validates the tree
// against the fixed operator set; evaluation is pure and total: a field
// missing from the context makes the containing predicate false instead of
// raising.
//
// Wire form examples:
//
//	{"op":"cmp","field":"annual_revenue","cmp":"<=","value":300000}
//	{"op":"and","args":[{"op":"exists","field":"vat_registered"},
//	                    {"op":"in","field":"activity","values":["trade","services"]}]}
//	{"op":"date_in_effect","field":"on_date","from":"2025-01-01","until":"2025-12-31"}
package applieswhen

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPredicate is returned when a predicate fails construction-time
// validation: unknown operator, malformed shape, or an uncompilable pattern.
var ErrInvalidPredicate = errors.New("applieswhen: invalid predicate")

// Comparison operators accepted by the cmp variant.
var validCmps = map[string]bool{
	"<": true, "<=": true, "==": true, ">=": true, ">": true,
}

// Predicate is one node of the applies-when tree.
type Predicate interface {
	// Eval reports whether the predicate holds for the given context.
	Eval(ctx Context) bool
	// validate checks shape invariants; called by Parse and New.
	validate() error
	json.Marshaler
}

// Context is the business context a predicate is evaluated against:
// a mapping of field name to value (string, float64, int, bool, or an
// ISO date string "2006-01-02").
type Context map[string]any

// --- Variants ---

// And is true when all arguments are true. Empty And is true.
type And struct{ Args []Predicate }

// Or is true when at least one argument is true. Empty Or is false.
type Or struct{ Args []Predicate }

// Not negates its argument.
type Not struct{ Arg Predicate }

// Cmp compares a context field against a constant with one of < <= == >= >.
type Cmp struct {
	Field string
	Op    string
	Value any
}

// In is true when the field's value equals one of the listed constants.
type In struct {
	Field  string
	Values []any
}

// Exists is true when the field is present in the context.
type Exists struct{ Field string }

// Between is true when low <= field <= high (numeric or ISO date strings).
type Between struct {
	Field string
	Low   any
	High  any
}

// Matches is true when the field's string value matches the regexp.
// The pattern is compiled at construction; an invalid pattern fails Parse.
type Matches struct {
	Field   string
	Pattern string
	re      *regexp.Regexp
}

// DateInEffect is true when the context date in Field falls inside the
// rule's effective window [From, Until]. An empty Until means open-ended.
// Dates are ISO "2006-01-02" strings.
type DateInEffect struct {
	Field string
	From  string
	Until string
}

// --- Wire format ---

type wire struct {
	Op     string            `json:"op"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Arg    json.RawMessage   `json:"arg,omitempty"`
	Field  string            `json:"field,omitempty"`
	Cmp    string            `json:"cmp,omitempty"`
	Value  any               `json:"value,omitempty"`
	Values []any             `json:"values,omitempty"`
	Low    any               `json:"low,omitempty"`
	High   any               `json:"high,omitempty"`
	Pat    string            `json:"pattern,omitempty"`
	From   string            `json:"from,omitempty"`
	Until  string            `json:"until,omitempty"`
}

// Parse decodes and validates a predicate tree from its JSON wire form.
func Parse(data []byte) (Predicate, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
	}
	return fromWire(&w)
}

// MustParse parses a predicate or panics. Test helper.
func MustParse(data string) Predicate {
	p, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return p
}

func fromWire(w *wire) (Predicate, error) {
	switch w.Op {
	case "and", "or":
		args := make([]Predicate, 0, len(w.Args))
		for _, raw := range w.Args {
			child, err := Parse(raw)
			if err != nil {
				return nil, err
			}
			args = append(args, child)
		}
		if w.Op == "and" {
			return &And{Args: args}, nil
		}
		return &Or{Args: args}, nil

	case "not":
		if len(w.Arg) == 0 {
			return nil, fmt.Errorf("%w: not requires arg", ErrInvalidPredicate)
		}
		child, err := Parse(w.Arg)
		if err != nil {
			return nil, err
		}
		return &Not{Arg: child}, nil

	case "cmp":
		p := &Cmp{Field: w.Field, Op: w.Cmp, Value: w.Value}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case "in":
		p := &In{Field: w.Field, Values: w.Values}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case "exists":
		p := &Exists{Field: w.Field}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case "between":
		p := &Between{Field: w.Field, Low: w.Low, High: w.High}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case "matches":
		re, err := regexp.Compile(w.Pat)
		if err != nil {
			return nil, fmt.Errorf("%w: matches pattern: %v", ErrInvalidPredicate, err)
		}
		p := &Matches{Field: w.Field, Pattern: w.Pat, re: re}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case "date_in_effect":
		p := &DateInEffect{Field: w.Field, From: w.From, Until: w.Until}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, w.Op)
	}
}

// --- Validation ---

func (p *And) validate() error {
	for _, a := range p.Args {
		if err := a.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Or) validate() error {
	for _, a := range p.Args {
		if err := a.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Not) validate() error {
	if p.Arg == nil {
		return fmt.Errorf("%w: not requires arg", ErrInvalidPredicate)
	}
	return p.Arg.validate()
}

func (p *Cmp) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: cmp requires field", ErrInvalidPredicate)
	}
	if !validCmps[p.Op] {
		return fmt.Errorf("%w: cmp operator %q", ErrInvalidPredicate, p.Op)
	}
	if p.Value == nil {
		return fmt.Errorf("%w: cmp requires value", ErrInvalidPredicate)
	}
	return nil
}

func (p *In) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: in requires field", ErrInvalidPredicate)
	}
	if len(p.Values) == 0 {
		return fmt.Errorf("%w: in requires values", ErrInvalidPredicate)
	}
	return nil
}

func (p *Exists) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: exists requires field", ErrInvalidPredicate)
	}
	return nil
}

func (p *Between) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: between requires field", ErrInvalidPredicate)
	}
	if p.Low == nil || p.High == nil {
		return fmt.Errorf("%w: between requires low and high", ErrInvalidPredicate)
	}
	return nil
}

func (p *Matches) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: matches requires field", ErrInvalidPredicate)
	}
	if p.re == nil {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("%w: matches pattern: %v", ErrInvalidPredicate, err)
		}
		p.re = re
	}
	return nil
}

func (p *DateInEffect) validate() error {
	if p.Field == "" {
		return fmt.Errorf("%w: date_in_effect requires field", ErrInvalidPredicate)
	}
	if p.From != "" && !isISODate(p.From) {
		return fmt.Errorf("%w: date_in_effect from %q", ErrInvalidPredicate, p.From)
	}
	if p.Until != "" && !isISODate(p.Until) {
		return fmt.Errorf("%w: date_in_effect until %q", ErrInvalidPredicate, p.Until)
	}
	return nil
}

// --- Marshalling ---

func (p *And) MarshalJSON() ([]byte, error) { return marshalArgs("and", p.Args) }
func (p *Or) MarshalJSON() ([]byte, error)  { return marshalArgs("or", p.Args) }

func marshalArgs(op string, args []Predicate) ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(wire{Op: op, Args: raws})
}

func (p *Not) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(p.Arg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{Op: "not", Arg: b})
}

func (p *Cmp) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "cmp", Field: p.Field, Cmp: p.Op, Value: p.Value})
}

func (p *In) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "in", Field: p.Field, Values: p.Values})
}

func (p *Exists) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "exists", Field: p.Field})
}

func (p *Between) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "between", Field: p.Field, Low: p.Low, High: p.High})
}

func (p *Matches) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "matches", Field: p.Field, Pat: p.Pattern})
}

func (p *DateInEffect) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Op: "date_in_effect", Field: p.Field, From: p.From, Until: p.Until})
}

// Marshal serializes a predicate to its JSON wire form.
func Marshal(p Predicate) ([]byte, error) {
	return json.Marshal(p)
}

// Fields returns the set of context fields the predicate references.
func Fields(p Predicate) []string {
	set := map[string]bool{}
	collectFields(p, set)
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

func collectFields(p Predicate, set map[string]bool) {
	switch v := p.(type) {
	case *And:
		for _, a := range v.Args {
			collectFields(a, set)
		}
	case *Or:
		for _, a := range v.Args {
			collectFields(a, set)
		}
	case *Not:
		collectFields(v.Arg, set)
	case *Cmp:
		set[v.Field] = true
	case *In:
		set[v.Field] = true
	case *Exists:
		set[v.Field] = true
	case *Between:
		set[v.Field] = true
	case *Matches:
		set[v.Field] = true
	case *DateInEffect:
		set[v.Field] = true
	}
}
