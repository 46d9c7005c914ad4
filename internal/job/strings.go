package job

import "strings"

// Target and node names compare case-insensitively throughout.

func foldName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

func splitSemi(s string) []string {
	parts := strings.Split(s, ";")
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// FoldName exposes the canonical form used for target matching.
func FoldName(s string) string {
	return foldName(s)
}
