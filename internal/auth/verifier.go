package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/coedit/internal/session"
)

var errMissingValidator = errors.New("token verifier: session validator required")

// CanonicalResolver maps validated claims to the canonical user id.
type CanonicalResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims SessionClaims) (string, error)
}

// TokenVerifier authenticates realtime connections with session tokens.
type TokenVerifier struct {
	validator *SessionValidator
	resolver  CanonicalResolver
}

// NewTokenVerifier constructs a verifier. A nil resolver uses the user id
// claim verbatim.
func NewTokenVerifier(validator *SessionValidator, resolver CanonicalResolver) (*TokenVerifier, error) {
	if validator == nil {
		return nil, errMissingValidator
	}
	return &TokenVerifier{validator: validator, resolver: resolver}, nil
}

// Verify implements session.Authenticator.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (session.Identity, error) {
	claims, err := v.validator.ValidateToken(token)
	if err != nil {
		return session.Identity{}, err
	}
	userID := strings.TrimSpace(claims.UserID)
	if v.resolver != nil {
		userID, err = v.resolver.ResolveCanonicalUserID(ctx, claims)
		if err != nil {
			return session.Identity{}, err
		}
	}
	firstName, lastName := splitDisplayName(claims.UserDisplayName)
	return session.Identity{
		UserID:    userID,
		Email:     strings.TrimSpace(claims.UserEmail),
		FirstName: firstName,
		LastName:  lastName,
	}, nil
}

// splitDisplayName treats the last word as the family name.
func splitDisplayName(displayName string) (string, string) {
	fields := strings.Fields(displayName)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}
