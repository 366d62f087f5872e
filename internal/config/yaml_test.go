package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateYamlKeyReplacesInPlace(t *testing.T) {
	content := "# mirror settings\nroot: /old/path\napi-base: https://api.example.com\n"
	got := updateYamlKey(content, "root", "/new/path")
	assert.Equal(t, "# mirror settings\nroot: /new/path\napi-base: https://api.example.com\n", got)
}

func TestUpdateYamlKeyUncommentsKey(t *testing.T) {
	content := "# sync-interval: 5m\n"
	got := updateYamlKey(content, "sync-interval", "1m")
	assert.Equal(t, "sync-interval: 1m\n", got)
}

func TestUpdateYamlKeyAppendsMissingKey(t *testing.T) {
	content := "root: /mirror\n"
	got := updateYamlKey(content, "token", "abc123")
	assert.Contains(t, got, "root: /mirror\n")
	assert.Contains(t, got, "token: abc123\n")
}

func TestUpdateYamlKeyPreservesComments(t *testing.T) {
	content := "# how often the leader syncs\nsync-interval: 5m\n# where output goes\nroot: /mirror\n"
	got := updateYamlKey(content, "sync-interval", "10m")
	assert.Contains(t, got, "# how often the leader syncs\nsync-interval: 10m\n")
	assert.Contains(t, got, "# where output goes\nroot: /mirror\n")
}

func TestFormatYamlValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"true", "true"},
		{"42", "42"},
		{"5m", "5m"},
		{"1.5", "1.5"},
		{"/plain/path", "/plain/path"},
		{"has: colon", `"has: colon"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatYamlValue(tc.in), "value %q", tc.in)
	}
}
