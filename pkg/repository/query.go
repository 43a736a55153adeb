// Package repository holds small SQL building helpers shared by repositories.
package repository

import (
	"errors"
	"fmt"
	"strings"
)

// Common filter operators
const (
	OpEqual              = "="
	OpNotEqual           = "!="
	OpLessThan           = "<"
	OpLessThanOrEqual    = "<="
	OpGreaterThan        = ">"
	OpGreaterThanOrEqual = ">="
	OpIn                 = "IN"
	OpIsNull             = "IS NULL"
	OpIsNotNull          = "IS NOT NULL"
)

// Filter represents a single filter condition
type Filter struct {
	Field    string      // Column name
	Operator string      // One of the Op constants
	Value    interface{} // Ignored for IS NULL / IS NOT NULL; a slice for IN
}

// Validate validates a filter condition
func (f Filter) Validate() error {
	if f.Field == "" {
		return errors.New("filter field cannot be empty")
	}
	switch f.Operator {
	case OpIsNull, OpIsNotNull:
		return nil
	case OpEqual, OpNotEqual, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		if f.Value == nil {
			return errors.New("filter value cannot be nil for operator: " + f.Operator)
		}
		return nil
	case OpIn:
		if _, ok := f.Value.([]interface{}); !ok {
			return errors.New("IN filter expects []interface{}")
		}
		return nil
	default:
		return errors.New("invalid filter operator: " + f.Operator)
	}
}

// SortField represents a single field for sorting
type SortField struct {
	Field string
	Desc  bool
}

// SelectOptions describes a single-table SELECT.
type SelectOptions struct {
	Table   string
	Columns []string
	// Filters are joined with AND.
	Filters []Filter
	Sort    []SortField
	Limit   int

	// ForUpdate locks the selected rows; SkipLocked skips rows locked by
	// other transactions instead of waiting for them.
	ForUpdate  bool
	SkipLocked bool
}

// AddFilter appends an AND condition.
func (o *SelectOptions) AddFilter(field, operator string, value interface{}) *SelectOptions {
	o.Filters = append(o.Filters, Filter{Field: field, Operator: operator, Value: value})
	return o
}

// BuildSelect renders the statement with '?' placeholders.
func (o SelectOptions) BuildSelect() (string, []interface{}, error) {
	if o.Table == "" {
		return "", nil, errors.New("table is required")
	}
	if o.SkipLocked && !o.ForUpdate {
		return "", nil, errors.New("skip locked requires for update")
	}
	cols := "*"
	if len(o.Columns) > 0 {
		cols = strings.Join(o.Columns, ", ")
	}

	var b strings.Builder
	var args []interface{}
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, o.Table)

	var where []string
	for _, f := range o.Filters {
		clause, fargs, err := renderFilter(f)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, fargs...)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if len(o.Sort) > 0 {
		parts := make([]string, 0, len(o.Sort))
		for _, s := range o.Sort {
			dir := "ASC"
			if s.Desc {
				dir = "DESC"
			}
			parts = append(parts, s.Field+" "+dir)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if o.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, o.Limit)
	}
	if o.ForUpdate {
		b.WriteString(" FOR UPDATE")
		if o.SkipLocked {
			b.WriteString(" SKIP LOCKED")
		}
	}
	return b.String(), args, nil
}

func renderFilter(f Filter) (string, []interface{}, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	switch f.Operator {
	case OpIsNull, OpIsNotNull:
		return f.Field + " " + f.Operator, nil, nil
	case OpIn:
		values := f.Value.([]interface{})
		if len(values) == 0 {
			return "1 = 0", nil, nil
		}
		return fmt.Sprintf("%s IN (%s)", f.Field, strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")), values, nil
	default:
		return f.Field + " " + f.Operator + " ?", []interface{}{f.Value}, nil
	}
}
