// Package auth verifies bearer tokens at connection time and produces the
// typed identity attached to every connection. The gateway only verifies
// tokens; issuance and refresh belong to the authentication service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication failure modes. All of them abort the handshake before any
// namespace state is created.
var (
	ErrTokenMissing = errors.New("auth: missing bearer token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenRevoked = errors.New("auth: token revoked")
)

// Identity is the verified identity attached to a connection after a
// successful handshake.
type Identity struct {
	Subject string   // subject id (user)
	Tenant  string   // tenant the subject belongs to
	Roles   []string // role claims
	TokenID string   // jti, used for revocation checks
}

// claims is the expected JWT claim set: registered claims plus the tenant
// and role claims minted by the auth service.
type claims struct {
	Tenant string   `json:"tenant_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens against a shared secret and an
// optional revocation store.
type Verifier struct {
	secret      []byte
	revocations *RevocationStore
}

// NewVerifier creates a Verifier. revocations may be nil, in which case no
// revocation checks are performed.
func NewVerifier(secret []byte, revocations *RevocationStore) *Verifier {
	return &Verifier{secret: secret, revocations: revocations}
}

// Verify parses and validates the token string and returns the identity it
// carries. Expired, malformed, unsigned, and revoked tokens are rejected
// with the corresponding sentinel error.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || c.Subject == "" {
		return nil, ErrTokenInvalid
	}

	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, c.ID, c.Subject)
		if err == nil && revoked {
			return nil, ErrTokenRevoked
		}
		// Redis errors fail open: a revocation-store outage must not lock
		// every user out of the gateway.
	}

	return &Identity{
		Subject: c.Subject,
		Tenant:  c.Tenant,
		Roles:   c.Roles,
		TokenID: c.ID,
	}, nil
}

// SubprotocolBearer is the Sec-WebSocket-Protocol marker for browser bearer
// auth: the client offers the pair ("jwt", "<token>") and the server selects
// and echoes "jwt". Both entries are legal subprotocol tokens — a compact JWT
// contains only [A-Za-z0-9._-] — which a raw "jwt <token>" entry (with its
// space) is not.
const SubprotocolBearer = "jwt"

// BearerToken extracts the bearer token from an upgrade request. It checks,
// in order: the Authorization header, the Sec-WebSocket-Protocol pair
// ("jwt", "<token>" — the convention browsers use since they cannot set
// headers on WebSocket connects), and the "token" query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}

	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for i, part := range parts {
			if strings.TrimSpace(part) == SubprotocolBearer && i+1 < len(parts) {
				return strings.TrimSpace(parts[i+1])
			}
		}
	}

	return r.URL.Query().Get("token")
}
