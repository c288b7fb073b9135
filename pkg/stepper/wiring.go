package stepper

import (
	"fmt"
	"sort"
)

// Compose collapses a chain of wiring tables into one table mapping the
// keys of the first table to values of the last. Every value of a table
// must be a key of the next one.
func Compose(tables ...map[string]string) (map[string]string, error) {
	if len(tables) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(tables[0]))
	for k, v := range tables[0] {
		out[k] = v
	}

	for i, next := range tables[1:] {
		for _, k := range sortedKeys(out) {
			v, ok := next[out[k]]
			if !ok {
				return nil, fmt.Errorf("wiring table %d has no entry for %q (from %q)", i+1, out[k], k)
			}
			out[k] = v
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
