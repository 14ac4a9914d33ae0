package gitutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadLinePatternParsesLsRemoteOutput(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantOK  bool
		wantSHA string
		wantRef string
	}{
		{
			name:    "well formed line",
			line:    "deadbeef0123456789 refs/heads/main",
			wantOK:  true,
			wantSHA: "deadbeef0123456789",
			wantRef: "main",
		},
		{
			name:    "branch name with slash",
			line:    "abc123 refs/heads/feature/thing",
			wantOK:  true,
			wantSHA: "abc123",
			wantRef: "feature/thing",
		},
		{
			name:   "tag ref is not a head",
			line:   "abc123 refs/tags/v1.0.0",
			wantOK: false,
		},
		{
			name:   "empty line",
			line:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := headLinePattern.FindStringSubmatch(tt.line)
			if !tt.wantOK {
				assert.Nil(t, m)
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tt.wantSHA, m[1])
			assert.Equal(t, tt.wantRef, m[2])
		})
	}
}

func TestRepoName(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "https with .git suffix", url: "https://example.com/owner/name.git", want: "name"},
		{name: "https without suffix", url: "https://example.com/owner/name", want: "name"},
		{name: "git@ scp-like form", url: "git@github.com:owner/name.git", want: "name"},
		{name: "malformed url", url: "ftp://example.com/owner/name", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RepoName(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abcde", ShortHash("abcdef0123456789"))
	assert.Equal(t, "ab", ShortHash("ab"))
	assert.Equal(t, "", ShortHash(""))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient("fatal: Unable to create '/x/.git/index.lock': File exists"))
	assert.True(t, isTransient("error: cannot lock ref 'refs/heads/main'"))
	assert.False(t, isTransient("fatal: repository not found"))
}
