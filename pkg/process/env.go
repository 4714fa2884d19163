package process

import (
	"sort"
	"strings"
)

// MergeEnvironment composes the child environment: base (normally os.Environ())
// with overrides applied on top. Both use "KEY=VALUE" form; entries without a key
// are skipped. The result is sorted by key and freshly allocated on every call.
func MergeEnvironment(base, overrides []string) []string {
	vars := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := splitVar(kv); ok {
			vars[k] = v
		}
	}
	for _, kv := range overrides {
		if k, v, ok := splitVar(kv); ok {
			vars[k] = v
		}
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func splitVar(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
