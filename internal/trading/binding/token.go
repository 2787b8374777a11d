// Package binding resolves broker orders and positions back to the intents
// that caused them.
package binding

import (
	"strings"

	"github.com/google/uuid"
)

// Role tags which leg of an intent an order implements.
type Role string

const (
	RoleEntry      Role = "Entry"
	RoleStopLoss   Role = "StopLoss"
	RoleTakeProfit Role = "TakeProfit"
)

// NewToken mints a fresh correlation token.
func NewToken() string {
	return uuid.NewString()
}

// Comment renders the order comment carrying a token and role, in the
// "<token>.<role>" form the resolver parses back.
func Comment(token string, role Role) string {
	return token + "." + string(role)
}

// ParseComment splits an order comment into token and role. Comments written
// by other systems, or empty ones, report ok=false. The token itself never
// contains a dot, so the last separator wins.
func ParseComment(comment string) (token string, role Role, ok bool) {
	idx := strings.LastIndex(comment, ".")
	if idx <= 0 || idx == len(comment)-1 {
		return "", "", false
	}
	token = comment[:idx]
	switch Role(comment[idx+1:]) {
	case RoleEntry:
		return token, RoleEntry, true
	case RoleStopLoss:
		return token, RoleStopLoss, true
	case RoleTakeProfit:
		return token, RoleTakeProfit, true
	default:
		return "", "", false
	}
}

// SplitGroupID splits a broker group id into its component tokens. Brokers
// merge grouped orders under composite comma-joined ids, so membership tests
// must compare token sets, not whole strings.
func SplitGroupID(groupID string) []string {
	if groupID == "" {
		return nil
	}
	parts := strings.Split(groupID, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GroupsIntersect reports whether two composite group ids share a component.
func GroupsIntersect(a, b string) bool {
	as := SplitGroupID(a)
	bs := SplitGroupID(b)
	if len(as) == 0 || len(bs) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(as))
	for _, t := range as {
		set[t] = struct{}{}
	}
	for _, t := range bs {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
