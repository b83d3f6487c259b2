package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const tokenIssuer = "pilot"

// MinSecretLength is the shortest signing secret NewTokenService accepts.
const MinSecretLength = 16

// HostClaims identify the host a collector token was minted for.
type HostClaims struct {
	jwt.RegisteredClaims
}

// TokenService mints and verifies HS256 collector tokens. The subject is the
// host id; a zero TTL mints tokens without expiry.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("ingest secret must be at least %d bytes", MinSecretLength)
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueHostToken returns a signed token for hostID.
func (t *TokenService) IssueHostToken(hostID string) (string, error) {
	if hostID == "" {
		return "", errors.New("host id is required")
	}
	now := t.now()
	claims := HostClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  hostID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns the host id it was issued for.
func (t *TokenService) Verify(token string) (string, error) {
	var claims HostClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	return claims.Subject, nil
}

// IngestRequest is the body a collector pushes.
type IngestRequest struct {
	Samples []*engine.MetricSample `json:"samples" validate:"required,min=1,max=1000"`
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token), ok && token != ""
}

func (s *Server) ingestMetrics(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil || s.ingestor == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "metric ingestion is disabled"})
		return
	}
	hostID := mux.Vars(r)["host_id"]

	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: missing bearer token", errUnauthorized))
		return
	}
	subject, err := s.tokens.Verify(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subject != hostID {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "token was issued for another host"})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, requestFault(err).WithCode(engine.ErrCodeInvalidSample))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, requestFault(err).WithCode(engine.ErrCodeInvalidSample))
		return
	}
	for n, sample := range req.Samples {
		if sample == nil {
			s.writeError(w, r, engine.NewValidationFault(fmt.Sprintf("sample %d is null", n), nil).
				WithCode(engine.ErrCodeInvalidSample))
			return
		}
	}

	if err := s.ingestor.Ingest(r.Context(), hostID, req.Samples); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Samples)})
}
