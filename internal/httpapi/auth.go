package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeCatalogRead  = "catalog:read"
	ScopeCatalogWrite = "catalog:write"
	ScopeMediaAdmin   = "media:admin"

	tokenAudience = "curriculum"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims carried by API bearer tokens. Scopes may be a JSON array or a
// space-separated string.
type Claims struct {
	Scopes scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

func (s scopeList) has(scope string) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// MintToken signs an HS256 token for subject with the given scopes.
func MintToken(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !claims.Scopes.has(requiredScope) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*Claims, *authError) {
	if jwtSecret == "" {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token verification is not configured",
		}
	}
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return nil, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(authHeader[7:])
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	default:
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid jwt"}
	}
	if claims.Subject == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
