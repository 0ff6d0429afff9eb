package applieswhen

// Overlaps reports whether two predicates can plausibly be satisfied by the
// same context. It is a conservative heuristic used for conflict detection:
// it only answers false when the predicates are provably disjoint on some
// shared field, so a true answer means "treat as overlapping and let the
// arbiter or a human decide".
//
// Disjointness is provable when both trees, read as top-level conjunctions,
// pin the same field to constant sets (cmp == / in) that do not intersect,
// or to date_in_effect windows that do not intersect.
func Overlaps(a, b Predicate) bool {
	ca := conjunctConstraints(a)
	cb := conjunctConstraints(b)

	for field, va := range ca {
		vb, ok := cb[field]
		if !ok {
			continue
		}
		if va.disjoint(vb) {
			return false
		}
	}
	return true
}

// constraint is the provable value set for one field in a conjunction.
type constraint struct {
	values []any  // non-empty: field pinned to one of these constants
	from   string // date window, "" = unbounded
	until  string
	window bool
}

func (c constraint) disjoint(o constraint) bool {
	if c.window && o.window {
		// Two date windows are disjoint when one ends before the other starts.
		if c.until != "" && o.from != "" && c.until < o.from {
			return true
		}
		if o.until != "" && c.from != "" && o.until < c.from {
			return true
		}
		return false
	}
	if len(c.values) > 0 && len(o.values) > 0 {
		for _, va := range c.values {
			for _, vb := range o.values {
				if cmp, ok := compare(va, vb); ok && cmp == 0 {
					return false
				}
			}
		}
		return true
	}
	return false
}

// conjunctConstraints walks top-level and-nodes collecting per-field constant
// constraints. Anything under or/not is ignored (not provable).
func conjunctConstraints(p Predicate) map[string]constraint {
	out := map[string]constraint{}
	collectConjuncts(p, out)
	return out
}

func collectConjuncts(p Predicate, out map[string]constraint) {
	switch v := p.(type) {
	case *And:
		for _, a := range v.Args {
			collectConjuncts(a, out)
		}
	case *Cmp:
		if v.Op == "==" {
			mergeValues(out, v.Field, []any{v.Value})
		}
	case *In:
		mergeValues(out, v.Field, v.Values)
	case *DateInEffect:
		prev, ok := out[v.Field]
		if ok && prev.window {
			// Intersect windows.
			if v.From > prev.from {
				prev.from = v.From
			}
			if v.Until != "" && (prev.until == "" || v.Until < prev.until) {
				prev.until = v.Until
			}
			out[v.Field] = prev
			return
		}
		out[v.Field] = constraint{from: v.From, until: v.Until, window: true}
	}
}

// mergeValues intersects a new constant set into the field's constraint.
func mergeValues(out map[string]constraint, field string, values []any) {
	prev, ok := out[field]
	if !ok || len(prev.values) == 0 {
		out[field] = constraint{values: values}
		return
	}
	var kept []any
	for _, v := range prev.values {
		for _, n := range values {
			if c, ok := compare(v, n); ok && c == 0 {
				kept = append(kept, v)
				break
			}
		}
	}
	out[field] = constraint{values: kept}
}
