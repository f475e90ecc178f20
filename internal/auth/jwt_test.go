package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "agentmesh"
)

func TestVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	agentID := uuid.New()

	token, err := NewAccessToken(userID, agentID, testSecret, time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewVerifier(testSecret, testIssuer)
	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.UserID != userID {
		t.Errorf("UserID = %v, want %v", identity.UserID, userID)
	}
	if identity.AgentID != agentID {
		t.Errorf("AgentID = %v, want %v", identity.AgentID, agentID)
	}
}

func TestVerify_Expired(t *testing.T) {
	t.Parallel()
	token, err := NewAccessToken(uuid.New(), uuid.New(), testSecret, -time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewVerifier(testSecret, testIssuer)
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify() error = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	t.Parallel()
	token, err := NewAccessToken(uuid.New(), uuid.New(), testSecret, time.Minute, testIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewVerifier("another-secret-another-secret-32", testIssuer)
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_WrongIssuer(t *testing.T) {
	t.Parallel()
	token, err := NewAccessToken(uuid.New(), uuid.New(), testSecret, time.Minute, "someone-else")
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewVerifier(testSecret, testIssuer)
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_EmptyToken(t *testing.T) {
	t.Parallel()
	v := NewVerifier(testSecret, testIssuer)
	if _, err := v.Verify(""); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	t.Parallel()
	claims := AccessClaims{
		AgentID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	v := NewVerifier(testSecret, testIssuer)
	if _, err := v.Verify(signed); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_NonUUIDClaims(t *testing.T) {
	t.Parallel()
	claims := AccessClaims{
		AgentID: "not-a-uuid",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	v := NewVerifier(testSecret, testIssuer)
	if _, err := v.Verify(signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify() error = %v, want ErrUnauthorized", err)
	}
}
