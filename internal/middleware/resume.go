package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

type resumeCtxKey int

const resumeKey resumeCtxKey = 7

const resumeIssuer = "fieldform"

var ErrInvalidResumeToken = errors.New("invalid resume token")

// ResumeClaims identify one session of one questionnaire. A resume link is a
// bearer credential for that session only.
type ResumeClaims struct {
	SessionID   string   `json:"sid"`
	Modules     []string `json:"mod"`
	PostModules []string `json:"post,omitempty"`
	jwt.RegisteredClaims
}

// ResumeSigner signs and verifies resume links. The HMAC key is derived from
// the configured secret so the raw secret is never used as a key directly.
type ResumeSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewResumeSigner(secret string, ttl time.Duration) (*ResumeSigner, error) {
	if secret == "" {
		return nil, errors.New("resume link secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(resumeIssuer), []byte("resume-link v1")), key); err != nil {
		return nil, err
	}
	return &ResumeSigner{key: key, ttl: ttl, now: time.Now}, nil
}

func (s *ResumeSigner) Sign(sessionID string, modules, postModules []string) (string, error) {
	now := s.now()
	claims := ResumeClaims{
		SessionID:   sessionID,
		Modules:     modules,
		PostModules: postModules,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    resumeIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

func (s *ResumeSigner) Parse(tok string) (*ResumeClaims, error) {
	t, err := jwt.ParseWithClaims(tok, &ResumeClaims{}, func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(resumeIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidResumeToken, err)
	}
	c, ok := t.Claims.(*ResumeClaims)
	if !ok || !t.Valid || c.SessionID == "" || len(c.Modules) == 0 {
		return nil, ErrInvalidResumeToken
	}
	return c, nil
}

// WithResumeToken attaches verified claims to the context when the request
// carries a token in the "t" query parameter or the X-Resume-Token header.
// Invalid tokens are ignored here; handlers decide whether one was required.
func WithResumeToken(signer *ResumeSigner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := r.URL.Query().Get("t")
			if tok == "" {
				tok = strings.TrimSpace(r.Header.Get("X-Resume-Token"))
			}
			if tok != "" {
				if c, err := signer.Parse(tok); err == nil {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resumeKey, c)))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ResumeFromContext(ctx context.Context) (*ResumeClaims, bool) {
	c, ok := ctx.Value(resumeKey).(*ResumeClaims)
	return c, ok
}
