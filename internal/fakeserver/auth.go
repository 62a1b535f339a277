package fakeserver

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience  = "contactsync"
	claimContactID = "contact_id"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type contactClaims struct {
	ContactID string
	Exp       int64
}

// signContactToken issues an HS256 JWT scoped to contactID.
func signContactToken(secret, contactID string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		claimContactID: contactID,
		"aud":          tokenAudience,
		"exp":          exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bearerToken(authHeader string) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), nil
}

func authorizeApp(authHeader, appToken string) *authError {
	raw, err := bearerToken(authHeader)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(appToken)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid app token"}
	}
	return nil
}

// authorizeContact accepts a contact token for contactID only.
func authorizeContact(authHeader, secret, contactID string, now time.Time) (contactClaims, *authError) {
	claims, err := parseContactToken(authHeader, secret, now)
	if err != nil {
		return contactClaims{}, err
	}
	if contactID != "" && claims.ContactID != contactID {
		return contactClaims{}, &authError{status: 403, code: "forbidden", message: "contact mismatch"}
	}
	return claims, nil
}

func parseContactToken(authHeader, secret string, now time.Time) (contactClaims, *authError) {
	raw, authErr := bearerToken(authHeader)
	if authErr != nil {
		return contactClaims{}, authErr
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return contactClaims{}, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	contactID, _ := claims[claimContactID].(string)
	if contactID == "" {
		return contactClaims{}, &authError{status: 401, code: "unauthorized", message: "missing contact_id claim"}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return contactClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	return contactClaims{ContactID: contactID, Exp: exp.Unix()}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	default:
		return "invalid token"
	}
}
