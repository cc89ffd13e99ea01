package access

// Input is one layer of a permission or feature assignment: either an
// explicit key→bool map, or the "*" wildcard granting every known key.
// Group files and user entries both deserialize into this shape.
type Input struct {
	Wildcard bool
	Values   map[string]bool
}

// Wildcard is the sentinel accepted in users.json / groups.json in place
// of a map.
const Wildcard = "*"

// Resolve composes group inputs (left to right, later wins), then the user
// input, into a total map over keys. Precedence per key:
//
//  1. explicit value from the merge
//  2. true, if any layer asserted the wildcard
//  3. defaults[key] (false when absent)
//
// An explicit false always wins over wildcard expansion: wildcards grant
// keys nobody spoke about, they never resurrect a denied one.
func Resolve(keys []string, groups []Input, user Input, defaults map[string]bool) map[string]bool {
	merged := make(map[string]bool, len(keys))
	wildcard := false

	apply := func(in Input) {
		if in.Wildcard {
			wildcard = true
		}
		for k, v := range in.Values {
			merged[k] = v
		}
	}

	for _, g := range groups {
		apply(g)
	}
	apply(user)

	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		if v, ok := merged[k]; ok {
			out[k] = v
		} else if wildcard {
			out[k] = true
		} else {
			out[k] = defaults[k]
		}
	}
	return out
}

// ParseInput converts a raw JSON value (either the wildcard string or an
// object of booleans) into an Input. Unknown shapes resolve to an empty
// layer rather than an error so one bad entry cannot lock everyone out.
func ParseInput(raw any) Input {
	switch v := raw.(type) {
	case string:
		if v == Wildcard {
			return Input{Wildcard: true}
		}
	case map[string]any:
		values := make(map[string]bool, len(v))
		for k, b := range v {
			if bv, ok := b.(bool); ok {
				values[k] = bv
			}
		}
		return Input{Values: values}
	case map[string]bool:
		return Input{Values: v}
	}
	return Input{}
}
