package backend

import (
	"fmt"
	"strconv"
	"time"
)

// Eq is an equality predicate on one column.
type Eq struct {
	Column string
	Value  string
}

// Order sorts a result set by one column.
type Order struct {
	Column    string
	Ascending bool
}

// Query selects rows of one table. The zero Limit means no limit.
//
// Query values are immutable; builder methods return modified copies:
//
//	q := backend.From("orders").Eq("user_id", id).OrderBy("created_at", false).WithLimit(5)
type Query struct {
	Table   string
	Filters []Eq
	Order   *Order
	Limit   int
}

// From starts a query on table.
func From(table string) Query {
	return Query{Table: table}
}

// Eq adds an equality filter. Non-string values are formatted with
// FormatValue.
func (q Query) Eq(column string, value any) Query {
	filters := make([]Eq, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Eq{Column: column, Value: FormatValue(value)})
	return q
}

func (q Query) OrderBy(column string, ascending bool) Query {
	q.Order = &Order{Column: column, Ascending: ascending}
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// FormatValue renders a filter or row value the way it travels in query
// strings: strings as-is, booleans as true/false, times as RFC 3339.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
