package querybuilder

import (
	"fmt"
	"strings"
)

// QueryBuilder provides a fluent interface for building parameterised
// SELECT statements against postgres
type QueryBuilder struct {
	table      string
	columns    []string
	conditions []Condition
	orderBy    []string
	limit      *int
	forUpdate  bool
}

// Condition represents a WHERE condition. Conditions are joined with AND.
// When Columns holds more than one column the condition matches if any of
// them equals Value.
type Condition struct {
	Columns  []string
	Operator Operator
	Value    interface{}
}

// Operator represents SQL comparison operators
type Operator int

const (
	Equal Operator = iota
	GreaterThanOrEqual
	LessThanOrEqual
	In
)

// New creates a new QueryBuilder instance
func New() *QueryBuilder {
	return &QueryBuilder{}
}

// Select sets the projected columns
func (qb *QueryBuilder) Select(columns ...string) *QueryBuilder {
	qb.columns = columns
	return qb
}

// From sets the table
func (qb *QueryBuilder) From(table string) *QueryBuilder {
	qb.table = table
	return qb
}

// Where adds a WHERE condition
func (qb *QueryBuilder) Where(column string, operator Operator, value interface{}) *QueryBuilder {
	return qb.addCondition([]string{column}, operator, value)
}

// WhereEqual is a convenience method for equality conditions
func (qb *QueryBuilder) WhereEqual(column string, value interface{}) *QueryBuilder {
	return qb.Where(column, Equal, value)
}

// WhereAnyEqual matches rows where at least one of columns equals value.
// The value is bound once.
func (qb *QueryBuilder) WhereAnyEqual(columns []string, value interface{}) *QueryBuilder {
	return qb.addCondition(columns, Equal, value)
}

// WhereIn adds an IN condition
func (qb *QueryBuilder) WhereIn(column string, values []interface{}) *QueryBuilder {
	return qb.Where(column, In, values)
}

// OrderByAsc adds an ORDER BY ASC clause
func (qb *QueryBuilder) OrderByAsc(column string) *QueryBuilder {
	qb.orderBy = append(qb.orderBy, column+" ASC")
	return qb
}

// Limit sets the LIMIT clause
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	qb.limit = &limit
	return qb
}

// ForUpdate locks the selected rows until the transaction ends
func (qb *QueryBuilder) ForUpdate() *QueryBuilder {
	qb.forUpdate = true
	return qb
}

// ToSQL generates the SQL query and parameter list
func (qb *QueryBuilder) ToSQL() (string, []interface{}, error) {
	if qb.table == "" {
		return "", nil, fmt.Errorf("table name is required for SELECT query")
	}

	var query strings.Builder
	var params []interface{}
	paramIndex := 1

	query.WriteString("SELECT ")
	if len(qb.columns) == 0 {
		query.WriteString("*")
	} else {
		query.WriteString(strings.Join(qb.columns, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(qb.table)

	whereClause, whereParams, newIndex, err := buildConditions(qb.conditions, paramIndex)
	if err != nil {
		return "", nil, err
	}
	if whereClause != "" {
		query.WriteString(" WHERE ")
		query.WriteString(whereClause)
		params = append(params, whereParams...)
		paramIndex = newIndex
	}

	if len(qb.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(qb.orderBy, ", "))
	}

	if qb.limit != nil {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", paramIndex))
		params = append(params, *qb.limit)
	}
	if qb.forUpdate {
		query.WriteString(" FOR UPDATE")
	}

	return query.String(), params, nil
}

func (qb *QueryBuilder) addCondition(columns []string, operator Operator, value interface{}) *QueryBuilder {
	qb.conditions = append(qb.conditions, Condition{
		Columns:  columns,
		Operator: operator,
		Value:    value,
	})
	return qb
}

var comparisons = map[Operator]string{
	Equal:              "=",
	GreaterThanOrEqual: ">=",
	LessThanOrEqual:    "<=",
}

func buildConditions(conditions []Condition, startIndex int) (string, []interface{}, int, error) {
	if len(conditions) == 0 {
		return "", nil, startIndex, nil
	}

	parts := make([]string, 0, len(conditions))
	var params []interface{}
	paramIndex := startIndex

	for i, condition := range conditions {
		var part string
		if len(condition.Columns) == 0 {
			return "", nil, 0, fmt.Errorf("condition %d has no column", i)
		}

		switch condition.Operator {
		case Equal, GreaterThanOrEqual, LessThanOrEqual:
			op := comparisons[condition.Operator]
			if len(condition.Columns) == 1 {
				part += fmt.Sprintf("%s %s $%d", condition.Columns[0], op, paramIndex)
			} else {
				alts := make([]string, len(condition.Columns))
				for j, column := range condition.Columns {
					alts[j] = fmt.Sprintf("%s %s $%d", column, op, paramIndex)
				}
				part += "(" + strings.Join(alts, " OR ") + ")"
			}
			params = append(params, condition.Value)
			paramIndex++
		case In:
			values, ok := condition.Value.([]interface{})
			if !ok || len(values) == 0 {
				return "", nil, 0, fmt.Errorf("IN condition on %s needs a non-empty value list", condition.Columns[0])
			}
			placeholders := make([]string, len(values))
			for j, value := range values {
				placeholders[j] = fmt.Sprintf("$%d", paramIndex)
				params = append(params, value)
				paramIndex++
			}
			part += fmt.Sprintf("%s IN (%s)", condition.Columns[0], strings.Join(placeholders, ", "))
		default:
			return "", nil, 0, fmt.Errorf("unsupported operator %d", condition.Operator)
		}

		parts = append(parts, part)
	}

	return strings.Join(parts, " AND "), params, paramIndex, nil
}
