// Package auth resolves admin API bearer tokens to principals and decides
// which admin operations they may perform.
//
// Tokens never leave this package: a Principal carries a label naming the
// config entry that matched, which is what handlers log.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Admin API scopes.
const (
	ScopeAll             = "*"
	ScopeStatsRead       = "stats:ro"
	ScopeDeadLettersRead = "deadletters:ro"
	ScopeDeadLettersRW   = "deadletters:rw"
	ScopeEventsRead      = "events:ro"
)

// scopeCatalog lists every scope with the operations it unlocks.
var scopeCatalog = map[string]string{
	ScopeAll:             "every admin operation",
	ScopeStatsRead:       "read dedup, queue and dead-letter counts",
	ScopeDeadLettersRead: "list dead letters",
	ScopeDeadLettersRW:   "list and replay dead letters",
	ScopeEventsRead:      "stream pipeline events",
}

// implied maps a scope onto the weaker scopes it includes.
var implied = map[string][]string{
	ScopeDeadLettersRW: {ScopeDeadLettersRead},
}

// Known reports whether scope is one the admin API checks.
func Known(scope string) bool {
	_, ok := scopeCatalog[scope]
	return ok
}

// KnownScopes returns the scope names in sorted order.
func KnownScopes() []string {
	out := make([]string, 0, len(scopeCatalog))
	for s := range scopeCatalog {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Describe returns a short description of scope, or "" if unknown.
func Describe(scope string) string {
	return scopeCatalog[scope]
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	// Name identifies the matching credential: "api_key" or "tokens[i]".
	Name   string
	Scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var (
	ErrMissingCredentials = errors.New("missing Authorization header")
	ErrMalformedHeader    = errors.New("invalid Authorization header format")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrMalformedHeader)
	}
	return token, nil
}

func tokenMatches(presented, configured string) bool {
	if presented == "" || configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate matches presented against apiKey and every scoped token.
// All entries are compared so timing does not reveal which one matched; the
// first match wins. apiKey authenticates with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	var (
		match Principal
		found bool
	)
	if tokenMatches(presented, apiKey) {
		match = Principal{Name: "api_key", Scopes: map[string]struct{}{ScopeAll: {}}}
		found = true
	}
	for i, t := range tokens {
		if tokenMatches(presented, t.Token) && !found {
			match = Principal{Name: fmt.Sprintf("tokens[%d]", i), Scopes: expandScopes(t.Scopes)}
			found = true
		}
	}
	return match, found
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		for _, weaker := range implied[s] {
			out[weaker] = struct{}{}
		}
	}
	return out
}
