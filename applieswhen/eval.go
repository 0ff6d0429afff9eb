package applieswhen

import (
	"encoding/json"
	"time"
)

// Eval for the boolean combinators.

func (p *And) Eval(ctx Context) bool {
	for _, a := range p.Args {
		if !a.Eval(ctx) {
			return false
		}
	}
	return true
}

func (p *Or) Eval(ctx Context) bool {
	for _, a := range p.Args {
		if a.Eval(ctx) {
			return true
		}
	}
	return false
}

func (p *Not) Eval(ctx Context) bool {
	return !p.Arg.Eval(ctx)
}

func (p *Cmp) Eval(ctx Context) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	c, ok := compare(got, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case "==":
		return c == 0
	case ">=":
		return c >= 0
	case ">":
		return c > 0
	}
	return false
}

func (p *In) Eval(ctx Context) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	for _, v := range p.Values {
		if c, ok := compare(got, v); ok && c == 0 {
			return true
		}
	}
	return false
}

func (p *Exists) Eval(ctx Context) bool {
	_, ok := ctx[p.Field]
	return ok
}

func (p *Between) Eval(ctx Context) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	lo, okLo := compare(got, p.Low)
	hi, okHi := compare(got, p.High)
	return okLo && okHi && lo >= 0 && hi <= 0
}

func (p *Matches) Eval(ctx Context) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	s, ok := got.(string)
	if !ok {
		return false
	}
	return p.re.MatchString(s)
}

func (p *DateInEffect) Eval(ctx Context) bool {
	got, ok := ctx[p.Field]
	if !ok {
		return false
	}
	s, ok := got.(string)
	if !ok || !isISODate(s) {
		return false
	}
	if p.From != "" && s < p.From {
		return false
	}
	if p.Until != "" && s > p.Until {
		return false
	}
	return true
}

// compare orders two values of compatible types.
// Numbers compare numerically (int/int64/float64 are unified), strings
// lexically (which matches chronological order for ISO dates), bools as
// false < true. Returns ok=false for incompatible types — the caller treats
// that as "predicate does not hold", keeping evaluation total.
func compare(a, b any) (int, bool) {
	if na, okA := toFloat(a); okA {
		if nb, okB := toFloat(b); okB {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case va < vb:
			return -1, true
		case va > vb:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case va == vb:
			return 0, true
		case !va:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isISODate(s string) bool {
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return false
	}
	return true
}
