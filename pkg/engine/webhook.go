package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// SignPayload returns the signature header value for body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// PushEvent is the part of a source-control push payload we read.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// ParsePushEvent decodes body. Branch is empty for tag pushes.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, NewValidationFault("invalid push payload", err)
	}
	return &event, nil
}

// Branch returns the pushed branch name.
func (e *PushEvent) Branch() string {
	branch, ok := strings.CutPrefix(e.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// Commit returns the pushed head revision, or "" for deletions.
func (e *PushEvent) Commit() string {
	if !commitPattern.MatchString(e.After) || strings.Trim(e.After, "0") == "" {
		return ""
	}
	return e.After
}
