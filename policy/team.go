package policy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
)

// TeamLookup resolves the set of employees a user may see.
// Admin returns an empty set meaning no restriction; employee returns itself.
type TeamLookup interface {
	TeamMembers(ctx context.Context, userID string, role Role) ([]string, error)
}

// DefaultTeams is the mock directory used until an identity service is wired in.
var DefaultTeams = map[Role][]string{
	Supervisor: {"emp001", "emp002", "emp003"},
	Manager:    {"emp001", "emp002", "emp003", "emp004", "emp005"},
}

// StaticTeams serves team sets from a fixed table.
type StaticTeams struct {
	teams map[Role][]string
}

// NewStaticTeams builds a lookup from role names to members. Roles missing
// from overrides use DefaultTeams.
func NewStaticTeams(overrides map[string][]string) *StaticTeams {
	teams := make(map[Role][]string, len(DefaultTeams))
	for r, m := range DefaultTeams {
		teams[r] = m
	}
	for name, members := range overrides {
		if r, ok := ParseRole(name); ok {
			teams[r] = members
		} else {
			logger.Warnf("policy: ignoring team override for unknown role %q", name)
		}
	}
	return &StaticTeams{teams: teams}
}

func (s *StaticTeams) TeamMembers(_ context.Context, userID string, role Role) ([]string, error) {
	switch role {
	case Admin:
		return nil, nil
	case Employee:
		return selfOnly(userID), nil
	case Supervisor, Manager:
		out := make([]string, len(s.teams[role]))
		copy(out, s.teams[role])
		return out, nil
	}
	return nil, fmt.Errorf("unhandled role %v", role)
}

// HTTPTeamLookup asks an identity service for team members:
//
//	GET {endpoint}?user_id=..&role=..  ->  {"members": ["emp001", ...]}
//
// Employee and admin never leave the process.
type HTTPTeamLookup struct {
	Endpoint string
	Client   *httpx.Client
	Fallback TeamLookup
}

func (h *HTTPTeamLookup) TeamMembers(ctx context.Context, userID string, role Role) ([]string, error) {
	switch role {
	case Admin:
		return nil, nil
	case Employee:
		return selfOnly(userID), nil
	}
	u, err := url.Parse(h.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("role", role.String())
	u.RawQuery = q.Encode()

	data, err := h.Client.DoJSON(ctx, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		if h.Fallback != nil {
			logger.Warnf("policy: identity service unavailable, using fallback teams: %v", err)
			return h.Fallback.TeamMembers(ctx, userID, role)
		}
		return nil, err
	}
	res := gjson.GetBytes(data, "members")
	if !res.IsArray() {
		return nil, fmt.Errorf("identity service response has no members array")
	}
	var members []string
	for _, m := range res.Array() {
		members = append(members, m.String())
	}
	return members, nil
}
