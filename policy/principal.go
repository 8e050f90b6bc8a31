package policy

import (
	"context"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
)

// Claims are the identity assertions handed over by the caller. They are trusted as-is.
type Claims struct {
	UserID      string
	Role        string
	AccountID   string
	LocationIDs []string
}

// Principal is the resolved identity and visibility scope for one request.
type Principal struct {
	UserID              string
	Role                Role
	AccountID           string
	AccessibleLocations []string
	// TeamMembers is empty for admin, meaning no restriction.
	TeamMembers []string
}

// HasTeamMember compares case-insensitively.
func (p Principal) HasTeamMember(id string) bool {
	return containsFold(p.TeamMembers, id)
}

// CanSeeLocation compares case-insensitively.
func (p Principal) CanSeeLocation(loc string) bool {
	return containsFold(p.AccessibleLocations, loc)
}

func containsFold(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Engine derives principals. It holds no per-request state.
type Engine struct {
	teams TeamLookup
}

func NewEngine(teams TeamLookup) *Engine {
	if teams == nil {
		teams = NewStaticTeams(nil)
	}
	return &Engine{teams: teams}
}

// DerivePrincipal resolves claims into a Principal. Unknown or missing roles
// fall back to Employee with a warning. Team data is looked up on every call.
func (e *Engine) DerivePrincipal(ctx context.Context, c Claims) Principal {
	role, ok := ParseRole(c.Role)
	if !ok {
		logger.Warnf("policy: unknown role %q for user %q, defaulting to employee", c.Role, c.UserID)
	}
	p := Principal{
		UserID:              strings.TrimSpace(c.UserID),
		Role:                role,
		AccountID:           strings.TrimSpace(c.AccountID),
		AccessibleLocations: cleanList(c.LocationIDs),
	}
	members, err := e.teams.TeamMembers(ctx, p.UserID, role)
	if err != nil {
		logger.Warnf("policy: team lookup failed for %q (%s): %v, restricting to self", p.UserID, role, err)
		members = selfOnly(p.UserID)
	}
	p.TeamMembers = cleanList(members)
	return p
}

func selfOnly(userID string) []string {
	if userID == "" {
		return nil
	}
	return []string{userID}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
