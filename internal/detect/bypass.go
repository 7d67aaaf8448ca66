package detect

import (
	"log/slog"
	"sync"
	"time"
)

// BypassToken grants a limited emergency exemption from injection blocking.
// Tokens are time-boxed, use-counted and optionally restricted to a set of
// user IDs.
type BypassToken struct {
	Token      string
	ValidUntil time.Time
	MaxUses    int
	// Users restricts the token to these user IDs. Empty means any user.
	Users []string

	uses int
}

// BypassRegistry holds emergency bypass tokens. Safe for concurrent use.
type BypassRegistry struct {
	mu     sync.Mutex
	tokens map[string]*BypassToken
	now    func() time.Time
}

// NewBypassRegistry creates a registry from the given tokens.
func NewBypassRegistry(tokens []BypassToken) *BypassRegistry {
	reg := &BypassRegistry{
		tokens: make(map[string]*BypassToken, len(tokens)),
		now:    time.Now,
	}
	for i := range tokens {
		t := tokens[i]
		reg.tokens[t.Token] = &t
	}
	return reg
}

// Use attempts to consume one use of token on behalf of userID. On success
// the use count is incremented and ok is true. On failure reason names the
// check that failed.
func (r *BypassRegistry) Use(token, userID string) (ok bool, reason string) {
	if r == nil || token == "" {
		return false, "no token"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, found := r.tokens[token]
	if !found {
		return false, "unknown token"
	}
	if r.now().After(t.ValidUntil) {
		return false, "token expired"
	}
	if t.MaxUses > 0 && t.uses >= t.MaxUses {
		return false, "token exhausted"
	}
	if len(t.Users) > 0 && !containsUser(t.Users, userID) {
		return false, "user not allowed"
	}

	t.uses++
	slog.Warn("emergency bypass token used",
		"user", userID,
		"uses", t.uses,
		"max_uses", t.MaxUses,
	)
	return true, ""
}

// Uses returns the current use count for token, for inspection.
func (r *BypassRegistry) Uses(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[token]; ok {
		return t.uses
	}
	return 0
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
