package policy

import (
	"sort"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Clause is one conjunct of a retrieval-time filter. Besides a match on
// Values, an absent field passes under MissingOK and any clause in Or may
// stand in for it.
type Clause struct {
	Field     string
	Op        Op
	Values    []string
	MissingOK bool
	Or        []Clause
}

func (c Clause) match(meta map[string]interface{}) bool {
	v := schema.MetaString(meta, c.Field)
	if v == "" {
		if c.MissingOK {
			return true
		}
	} else {
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
	}
	for _, alt := range c.Or {
		if alt.match(meta) {
			return true
		}
	}
	return false
}

// Filter is a conjunction of clauses. An empty filter matches everything.
type Filter struct {
	Clauses []Clause
}

func (f Filter) Empty() bool { return len(f.Clauses) == 0 }

// Map renders the filter as {"account_id": "a1", "location_id": {"$in": [...]}}.
func (f Filter) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(f.Clauses))
	for _, c := range f.Clauses {
		switch c.Op {
		case OpEq:
			if len(c.Values) > 0 {
				out[c.Field] = c.Values[0]
			}
		case OpIn:
			vals := make([]string, len(c.Values))
			copy(vals, c.Values)
			out[c.Field] = map[string]interface{}{"$in": vals}
		}
	}
	return out
}

// Match evaluates the filter against document metadata. Used by backends
// that cannot filter server-side.
func (f Filter) Match(meta map[string]interface{}) bool {
	for _, c := range f.Clauses {
		if !c.match(meta) {
			return false
		}
	}
	return true
}

// RetrievalFilter builds the index-side predicate. Absent constraints are
// omitted rather than treated as match-nothing. The location and employee
// clauses let public data types through, as DocumentFilter does, so aggregate
// records such as sales breakdowns are not lost before filtering. Records
// without a location also pass the location clause.
func RetrievalFilter(p Principal) Filter {
	var f Filter
	if p.AccountID != "" {
		f.Clauses = append(f.Clauses, Clause{Field: "account_id", Op: OpEq, Values: []string{p.AccountID}})
	}
	if len(p.AccessibleLocations) > 0 && p.Role != Admin {
		f.Clauses = append(f.Clauses, Clause{
			Field:     "location_id",
			Op:        OpIn,
			Values:    copyList(p.AccessibleLocations),
			MissingOK: true,
			Or:        []Clause{publicClause()},
		})
	}
	if p.Role != Admin && len(p.TeamMembers) > 0 {
		f.Clauses = append(f.Clauses, Clause{
			Field:  "employee_id",
			Op:     OpIn,
			Values: copyList(p.TeamMembers),
			Or:     []Clause{publicClause()},
		})
	}
	return f
}

func publicClause() Clause {
	return Clause{Field: "data_type", Op: OpIn, Values: PublicDataTypes()}
}

func copyList(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// publicDataTypes are aggregate, non-personal records visible to every role.
var publicDataTypes = map[string]bool{"sales_breakdown": true, "public": true}

// PublicDataTypes lists the public data types in sorted order.
func PublicDataTypes() []string {
	out := make([]string, 0, len(publicDataTypes))
	for t := range publicDataTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func isPublic(r schema.EvidenceRecord) bool {
	return publicDataTypes[r.DataType()]
}

// DocumentFilter drops records outside the principal's scope. Admin is the
// identity. The predicate reads only normalized metadata, so rows and
// documents are treated alike, and applying it twice changes nothing.
func DocumentFilter(p Principal, recs []schema.EvidenceRecord) []schema.EvidenceRecord {
	if p.Role == Admin {
		return recs
	}
	keep := predicate(p)
	out := make([]schema.EvidenceRecord, 0, len(recs))
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func predicate(p Principal) func(schema.EvidenceRecord) bool {
	switch p.Role {
	case Admin:
		return func(schema.EvidenceRecord) bool { return true }
	case Employee:
		return func(r schema.EvidenceRecord) bool {
			emp := r.MetaString("employee")
			return (p.UserID != "" && strings.EqualFold(emp, p.UserID)) || isPublic(r)
		}
	case Supervisor:
		return func(r schema.EvidenceRecord) bool {
			return p.HasTeamMember(r.MetaString("employee")) || isPublic(r)
		}
	case Manager:
		return func(r schema.EvidenceRecord) bool {
			loc := r.MetaString("location")
			return loc == "" || p.CanSeeLocation(loc) || isPublic(r)
		}
	}
	return func(schema.EvidenceRecord) bool { return false }
}
