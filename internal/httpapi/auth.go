package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	tokenAudience = "relaynote"

	ScopeRead  = "notes:read"
	ScopeWrite = "notes:write"
	ScopeSync  = "sync:trigger"
)

// AllScopes is granted to static API tokens.
var AllScopes = []string{ScopeRead, ScopeWrite, ScopeSync}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
	Exp    int64
}

// Authenticator checks bearer credentials. A static token grants every
// scope; a JWT signed with JWTSecret grants the scopes it carries. With
// neither configured every request is allowed.
type Authenticator struct {
	StaticToken string
	JWTSecret   string
	Now         func() time.Time
}

func (a Authenticator) enabled() bool {
	return a.StaticToken != "" || a.JWTSecret != ""
}

func (a Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a Authenticator) authorize(authHeader, requiredScope string) (tokenClaims, *authError) {
	if !a.enabled() {
		return tokenClaims{Scopes: scopeSet(AllScopes)}, nil
	}
	if a.StaticToken != "" {
		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if strings.HasPrefix(authHeader, "Bearer ") && subtle.ConstantTimeCompare([]byte(raw), []byte(a.StaticToken)) == 1 {
			return tokenClaims{Scopes: scopeSet(AllScopes)}, nil
		}
		if a.JWTSecret == "" {
			return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
		}
	}
	return authorizeBearer(authHeader, a.JWTSecret, requiredScope, a.now())
}

// Authenticate resolves the user of a request for the remote store hub.
// It is shaped for remote.HandlerOptions.Authenticate.
func (a Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.JWTSecret == "" {
		return "", errors.New("hub authentication requires a jwt secret")
	}
	claims, err := authorizeBearer(r.Header.Get("Authorization"), a.JWTSecret, ScopeSync, a.now())
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported jwt algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt signature"}
	}
	if !hmac.Equal(sigBytes, sign(jwtSecret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt payload"}
	}
	userID, ok := payload["sub"].(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != tokenAudience {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{UserID: userID, Scopes: scopes, Exp: exp}, nil
}

// IssueToken signs an HS256 token for userID that the control API and the
// hub accept.
func IssueToken(secret, userID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" || strings.TrimSpace(userID) == "" {
		return "", errors.New("issue token: secret and user are required")
	}
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"sub":    userID,
		"aud":    tokenAudience,
		"scopes": sorted,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(sign(secret, unsigned)), nil
}

func sign(secret, data string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return mac.Sum(nil)
}

func scopeSet(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		out[s] = struct{}{}
	}
	return out
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
