package model

// Extras carries free-form attributes attached to a Host or a Location that
// flow into the rendered configuration: basic-auth credentials ("security",
// a map of user -> password), injected directive lines ("injected", a string
// slice), the default-server flag, and the render-only file paths the
// post-processors fill in.
type Extras map[string]interface{}

// Merge folds other into e: maps union (other wins per key), slices union
// (duplicates dropped, first-seen order kept), scalars overwrite. Merging
// the same Extras twice leaves e unchanged.
func (e Extras) Merge(other Extras) {
	for k, v := range other {
		existing, ok := e[k]
		if !ok {
			e[k] = cloneExtraValue(v)
			continue
		}
		switch ev := existing.(type) {
		case map[string]string:
			if nv, ok := v.(map[string]string); ok {
				for nk, nval := range nv {
					ev[nk] = nval
				}
				continue
			}
		case []string:
			if nv, ok := v.([]string); ok {
				e[k] = unionStrings(ev, nv)
				continue
			}
		}
		e[k] = cloneExtraValue(v)
	}
}

func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if seen[s] {
			continue
		}
		seen[s] = true
		base = append(base, s)
	}
	return base
}

// Set merges one value under key with the same union semantics as Merge.
func (e Extras) Set(key string, value interface{}) {
	e.Merge(Extras{key: value})
}

// Security returns the basic-auth credential map, or nil.
func (e Extras) Security() map[string]string {
	if v, ok := e["security"].(map[string]string); ok {
		return v
	}
	return nil
}

// Injected returns the verbatim directive lines for rendering, or nil.
func (e Extras) Injected() []string {
	if v, ok := e["injected"].([]string); ok {
		return v
	}
	return nil
}

// Clone returns a deep copy of e.
func (e Extras) Clone() Extras {
	if e == nil {
		return nil
	}
	c := make(Extras, len(e))
	for k, v := range e {
		c[k] = cloneExtraValue(v)
	}
	return c
}

func cloneExtraValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]string:
		return copyStringMap(tv)
	case []string:
		return append([]string(nil), tv...)
	default:
		return v
	}
}
