package sqlexec

import (
	"fmt"
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// Template is a fixed statement. User text only ever reaches it as binds.
type Template struct {
	SQL   string
	Arity int
}

var Templates = map[string]Template{
	"employee_shifts": {
		SQL: `SELECT e.name, s.date, s.position, s.department, s.start_time, s.end_time, s.hours
FROM shifts s JOIN employees e ON s.employee_id = e.id
WHERE s.date = ?
ORDER BY e.name`,
		Arity: 1,
	},
	"employee_by_id": {
		SQL:   `SELECT * FROM employees WHERE id = ?`,
		Arity: 1,
	},
	"employees_by_position": {
		SQL: `SELECT e.name, s.date, s.position, s.department, s.start_time, s.end_time, s.hours
FROM shifts s JOIN employees e ON s.employee_id = e.id
WHERE s.position = ? AND s.date = ?
ORDER BY e.name`,
		Arity: 2,
	},
	"labor_cost": {
		SQL: `SELECT s.date, sum(s.hours * e.rate) AS labor_cost
FROM shifts s JOIN employees e ON s.employee_id = e.id
WHERE s.date BETWEEN ? AND ?
GROUP BY s.date
ORDER BY s.date`,
		Arity: 2,
	},
}

// InferDataType tags a row by its columns. The tag feeds the document filter.
func InferDataType(cols []string) string {
	has := make(map[string]bool, len(cols))
	for _, c := range cols {
		has[strings.ToLower(c)] = true
	}
	switch {
	case has["employee_id"] || has["name"]:
		return "employee"
	case has["date"] && has["position"]:
		return "shift"
	case has["date"] && has["labor_cost"]:
		return "labor_cost"
	}
	return "generic_sql"
}

// ToEvidence renders a row as "column: value" lines.
func ToEvidence(r Row, idx int) schema.EvidenceRecord {
	lines := make([]string, 0, len(r.Columns))
	meta := make(map[string]interface{}, len(r.Columns)+3)
	for i, c := range r.Columns {
		v := formatValue(r.Values[i])
		lines = append(lines, fmt.Sprintf("%s: %s", c, v))
		// NULL stays out of metadata so it reads as absent, not as a value
		if r.Values[i] != nil {
			meta[c] = v
		}
	}
	meta["source"] = "sql"
	meta["idx"] = idx
	meta["data_type"] = InferDataType(r.Columns)
	return schema.NewEvidence(strings.Join(lines, "\n"), meta, schema.OriginStructured)
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
