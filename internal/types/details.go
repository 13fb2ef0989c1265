package types

// MergeDetails deep-merges src into a copy of dst and returns it.
// Nested maps merge recursively; for scalar conflicts the winner is
// src when srcWins, otherwise the existing dst value. Unknown keys
// always round-trip untouched. Neither input is mutated.
func MergeDetails(dst, src map[string]any, srcWins bool) map[string]any {
	if dst == nil && src == nil {
		return nil
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		dv, exists := out[k]
		if !exists {
			out[k] = sv
			continue
		}
		dm, dok := dv.(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			out[k] = MergeDetails(dm, sm, srcWins)
			continue
		}
		if srcWins {
			out[k] = sv
		}
	}
	return out
}
