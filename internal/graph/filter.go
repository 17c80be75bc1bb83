package graph

import (
	"fmt"
	"strings"
	"time"
)

// Filter is a typed OData predicate rendered into Graph query syntax. It
// replaces ad hoc string interpolation so field names and values are always
// escaped consistently.
type Filter struct {
	expr string
}

// Eq matches a field equal to a value.
func Eq(field string, value any) Filter {
	return Filter{expr: fmt.Sprintf("%s eq %s", field, renderValue(value))}
}

// Gt matches a field strictly greater than a value. For the poll cursor this
// strictness is what keeps already-seen messages out of the next page.
func Gt(field string, value any) Filter {
	return Filter{expr: fmt.Sprintf("%s gt %s", field, renderValue(value))}
}

// And combines predicates; empty predicates are dropped.
func And(filters ...Filter) Filter {
	var parts []string
	for _, f := range filters {
		if f.expr != "" {
			parts = append(parts, f.expr)
		}
	}
	return Filter{expr: strings.Join(parts, " and ")}
}

// Render produces the $filter expression string.
func (f Filter) Render() string {
	return f.expr
}

// IsZero reports whether the filter carries no predicate.
func (f Filter) IsZero() bool {
	return f.expr == ""
}

func renderValue(value any) string {
	switch v := value.(type) {
	case bool:
		return fmt.Sprintf("%t", v)
	case time.Time:
		// Graph expects UTC ISO-8601 literals, unquoted.
		return v.UTC().Format("2006-01-02T15:04:05Z")
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", v), "'", "''") + "'"
	}
}
