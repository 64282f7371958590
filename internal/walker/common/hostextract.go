package common

import "github.com/denikryt/peertube-crawler/internal/hostfilter"

// ExtractHost normalizes the host carried by a following/followers/
// channel entry, per spec.md §6 "each entry can carry a host under
// varying keys." Top-level string keys are tried first, then the nested
// account/ownerAccount objects PeerTube attaches to channel and video
// entries.
func ExtractHost(entry map[string]any) (string, bool) {
	for _, key := range []string{"host", "hostname", "url", "id", "name"} {
		if raw, ok := entry[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				if host, ok := hostfilter.Normalize(s); ok {
					return host, true
				}
			}
		}
	}

	for _, nested := range []string{"account", "ownerAccount"} {
		obj, ok := entry[nested].(map[string]any)
		if !ok {
			continue
		}
		if raw, ok := obj["host"].(string); ok && raw != "" {
			if host, ok := hostfilter.Normalize(raw); ok {
				return host, true
			}
		}
	}

	return "", false
}
