package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims holds the JWT claims for an access token. The subject is the user ID; AgentID identifies the user's
// single logical agent.
type AccessClaims struct {
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// Identity is the verified identity extracted from a bearer token.
type Identity struct {
	UserID  uuid.UUID
	AgentID uuid.UUID
}

// Verifier validates bearer tokens. Its state is immutable after construction, so it is safe for concurrent callers.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a token verifier with the given signing secret and expected issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a token string, enforcing HMAC signing method and issuer claim. It never panics on bad
// input; all failures map to one of the package sentinel errors.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}
	agentID, err := uuid.Parse(claims.AgentID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: userID, AgentID: agentID}, nil
}

// NewAccessToken creates a signed JWT access token for the given user and agent. The issuer is embedded in the token
// and must be verified during validation.
func NewAccessToken(userID, agentID uuid.UUID, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("JWT issuer must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		AgentID: agentID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}
