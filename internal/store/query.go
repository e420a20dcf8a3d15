package store

import (
	"strconv"
	"strings"
)

// Query is a small SQL select builder covering the primitives the entity
// layer needs: WHERE, JOIN, ORDER BY, GROUP BY, VALUES IN, LIMIT. It builds
// plain placeholder SQL; it does not try to be a dialect abstraction.
type Query struct {
	table   string
	columns []string
	joins   []string
	conds   []string
	args    []interface{}
	orderBy []string
	groupBy []string
	limit   int
}

// Select starts a query over table returning columns.
func Select(table string, columns ...string) *Query {
	return &Query{table: table, columns: columns}
}

// Join appends a JOIN clause, e.g.
// Join("JOIN mimetypes ON mimetypes.id = items.mimetype_id").
func (q *Query) Join(clause string) *Query {
	q.joins = append(q.joins, clause)
	return q
}

// Where appends an AND-ed condition with its bind arguments.
func (q *Query) Where(cond string, args ...interface{}) *Query {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
	return q
}

// WhereIn appends "col IN (?, ?, ...)" for the given values. An empty
// value list produces a condition that matches nothing, so callers don't
// need to special-case it.
func (q *Query) WhereIn(col string, vals []int64) *Query {
	if len(vals) == 0 {
		q.conds = append(q.conds, "1 = 0")
		return q
	}
	var b strings.Builder
	b.WriteString(col)
	b.WriteString(" IN (")
	for i, v := range vals {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		q.args = append(q.args, v)
	}
	b.WriteString(")")
	q.conds = append(q.conds, b.String())
	return q
}

// WhereInStrings is WhereIn for string values.
func (q *Query) WhereInStrings(col string, vals []string) *Query {
	if len(vals) == 0 {
		q.conds = append(q.conds, "1 = 0")
		return q
	}
	var b strings.Builder
	b.WriteString(col)
	b.WriteString(" IN (")
	for i, v := range vals {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		q.args = append(q.args, v)
	}
	b.WriteString(")")
	q.conds = append(q.conds, b.String())
	return q
}

// OrderBy appends an ORDER BY term ("col" or "col DESC").
func (q *Query) OrderBy(term string) *Query {
	q.orderBy = append(q.orderBy, term)
	return q
}

// GroupBy appends a GROUP BY term.
func (q *Query) GroupBy(term string) *Query {
	q.groupBy = append(q.groupBy, term)
	return q
}

// Limit caps the result set; 0 means unlimited.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// SQL renders the statement and its bind arguments.
func (q *Query) SQL() (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	for _, j := range q.joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	if len(q.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.groupBy, ", "))
	}
	if len(q.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orderBy, ", "))
	}
	if q.limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.limit))
	}
	return b.String(), q.args
}
