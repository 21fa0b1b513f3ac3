package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter redacts sensitive fields from records before they leave the
// process (SSE/JSON publication, logs). The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskProjectPaths bool
	MaskSessionIDs   bool
	AllowedPaths     []string
	BlockedPaths     []string
}

// IsAllowed reports whether a session with the given project path should be
// published at all. An empty path is always allowed (not yet resolved).
func (f *PrivacyFilter) IsAllowed(projectPath string) bool {
	if projectPath == "" {
		return true
	}
	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, projectPath) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, projectPath) {
			return false
		}
	}
	return true
}

// matchPathOrParent reports whether pattern matches path or any ancestor
// directory of path, so a pattern like "/home/user/*" also matches
// "/home/user/work/project-a" via its parent "/home/user/work".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a redacted clone of rec; the original is never modified.
func (f *PrivacyFilter) Apply(rec Record) Record {
	masked := rec.Clone()
	if f.MaskProjectPaths && masked.ProjectPath != "" {
		masked.ProjectPath = filepath.Base(masked.ProjectPath)
	}
	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}
	return masked
}

// FilterSlice drops disallowed records and redacts the rest.
func (f *PrivacyFilter) FilterSlice(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if !f.IsAllowed(rec.ProjectPath) {
			continue
		}
		out = append(out, f.Apply(rec))
	}
	return out
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskProjectPaths && !f.MaskSessionIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
