package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const memberIDKey = "member_id"

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// TokenVerifier checks member tokens minted by the identity provider. The
// token subject is the member id.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for memberID. Production tokens come from the identity
// provider; this is for tooling and tests.
func (v *TokenVerifier) Issue(memberID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   memberID.String(),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns the member it was issued to.
func (v *TokenVerifier) Verify(tokenString string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	memberID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a member id", ErrInvalidToken)
	}
	return memberID, nil
}

// RequireMember rejects requests without a valid bearer token and stores the
// member id on the context. A nil verifier lets every request through.
func RequireMember(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error(), "code": "UNAUTHORIZED"})
			return
		}
		memberID, err := v.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error(), "code": "UNAUTHORIZED"})
			return
		}
		c.Set(memberIDKey, memberID)
		c.Next()
	}
}

// actingMember resolves who a request acts for. With a token, the body may
// only name the token's member; without one, the body decides.
func actingMember(c *gin.Context, fromBody string) (uuid.UUID, error) {
	var bodyID uuid.UUID
	if fromBody != "" {
		id, err := uuid.Parse(fromBody)
		if err != nil {
			return uuid.Nil, errInvalidID
		}
		bodyID = id
	}
	v, ok := c.Get(memberIDKey)
	if !ok {
		if bodyID == uuid.Nil {
			return uuid.Nil, errInvalidID
		}
		return bodyID, nil
	}
	tokenID := v.(uuid.UUID)
	if bodyID != uuid.Nil && bodyID != tokenID {
		return uuid.Nil, errOtherMember
	}
	return tokenID, nil
}

// tokenMember is the authenticated member, or uuid.Nil when auth is off.
func tokenMember(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(memberIDKey); ok {
		return v.(uuid.UUID)
	}
	return uuid.Nil
}
