package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := SignPayload("topsecret", body)

	assert.True(t, VerifySignature("topsecret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("topsecret", []byte(`{"ref":"refs/heads/dev"}`), sig))
	assert.False(t, VerifySignature("topsecret", body, sig[len("sha256="):]))
	assert.False(t, VerifySignature("topsecret", body, "sha256=zz"))
	assert.False(t, VerifySignature("", body, SignPayload("", body)), "an empty secret never verifies")
}

func TestPushEvent(t *testing.T) {
	tests := []struct {
		body       string
		wantBranch string
		wantCommit string
	}{
		{`{"ref":"refs/heads/main","after":"9fceb02d0ae598e95dc970b74767f19372d61af8"}`, "main", "9fceb02d0ae598e95dc970b74767f19372d61af8"},
		{`{"ref":"refs/heads/feature/login","after":"abc1234"}`, "feature/login", "abc1234"},
		{`{"ref":"refs/tags/v1.0.0","after":"abc1234"}`, "", "abc1234"},
		{`{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000"}`, "main", ""},
		{`{"ref":"refs/heads/main","after":"not-a-sha"}`, "main", ""},
	}
	for _, tt := range tests {
		event, err := ParsePushEvent([]byte(tt.body))
		require.NoError(t, err)
		assert.Equal(t, tt.wantBranch, event.Branch(), tt.body)
		assert.Equal(t, tt.wantCommit, event.Commit(), tt.body)
	}

	_, err := ParsePushEvent([]byte("not json"))
	assert.True(t, IsValidationFault(err))
}
