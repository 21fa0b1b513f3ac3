package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	cases := []struct {
		name    string
		filter  PrivacyFilter
		path    string
		allowed bool
	}{
		{"empty path always allowed", PrivacyFilter{BlockedPaths: []string{"/secret/*"}}, "", true},
		{"no lists allows everything", PrivacyFilter{}, "/home/user/proj", true},
		{"blocked exact parent", PrivacyFilter{BlockedPaths: []string{"/secret/*"}}, "/secret/proj", false},
		{"blocked nested child", PrivacyFilter{BlockedPaths: []string{"/secret/*"}}, "/secret/proj/sub/dir", false},
		{"allowlist rejects non-matching", PrivacyFilter{AllowedPaths: []string{"/work/*"}}, "/home/user", false},
		{"allowlist accepts matching", PrivacyFilter{AllowedPaths: []string{"/work/*"}}, "/work/proj", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.filter.IsAllowed(tc.path))
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	f := PrivacyFilter{MaskProjectPaths: true, MaskSessionIDs: true}
	rec := Record{ID: "session-123", ProjectPath: "/home/user/secret-project"}

	masked := f.Apply(rec)

	assert.Equal(t, "secret-project", masked.ProjectPath)
	assert.NotEqual(t, rec.ID, masked.ID)
	assert.Len(t, masked.ID, 12) // 6 bytes hex-encoded

	// Original untouched.
	assert.Equal(t, "session-123", rec.ID)
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	assert.True(t, (&PrivacyFilter{}).IsNoop())
	assert.False(t, (&PrivacyFilter{MaskSessionIDs: true}).IsNoop())
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	f := PrivacyFilter{BlockedPaths: []string{"/secret/*"}}
	recs := []Record{
		{ID: "a", ProjectPath: "/work/a"},
		{ID: "b", ProjectPath: "/secret/b"},
	}
	out := f.FilterSlice(recs)
	assert.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}
