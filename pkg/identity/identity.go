package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified principal behind a connection. It is derived once
// at handshake time and never changes for the connection's lifetime.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	ColorHint   string `json:"colorHint"`
}

var ErrUnauthenticated = errors.New("unauthenticated")

// colorPalette is shared by every process so that all replicas derive the
// same hint for the same participant without coordination.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#008080", "#9a6324",
}

type claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates opaque credentials presented at connection time.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

type Option func(*Verifier)

func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) Option {
	return func(v *Verifier) { v.audience = strings.TrimSpace(audience) }
}

func NewVerifier(secret string, options ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret)}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Verify resolves a credential to an Identity. It fails with
// ErrUnauthenticated when the credential is missing, malformed, expired, or
// names a principal that cannot be resolved. Stateless, safe from any process.
func (v *Verifier) Verify(credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: verifier has no signing secret", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var c claims
	_, err := jwt.ParseWithClaims(credential, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub := strings.TrimSpace(c.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = sub
	}
	return Identity{
		ID:          sub,
		DisplayName: name,
		Role:        strings.TrimSpace(c.Role),
		ColorHint:   ColorHint(sub),
	}, nil
}

// ColorHint picks a stable palette entry for a participant id.
func ColorHint(participantID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// CredentialFromRequest extracts the handshake credential from the token
// query parameter or an Authorization bearer header. Browsers cannot set
// headers on websocket dials, hence the query fallback.
func CredentialFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}
