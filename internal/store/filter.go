// ABOUTME: Record filters with equality, membership and AND/OR composition
// ABOUTME: Compiled to SQL for SQLiteStore and evaluated in memory for MockStore

package store

import (
	"fmt"
	"strings"
)

// Field names an indexed record column that filters and orders may reference.
type Field string

const (
	FieldID              Field = "id"
	FieldParticipantLow  Field = "participant_low"
	FieldParticipantHigh Field = "participant_high"
	FieldContextRef      Field = "context_ref"
	FieldLastActivityAt  Field = "last_activity_at"
	FieldConversationID  Field = "conversation_id"
	FieldSenderID        Field = "sender_id"
	FieldReadAt          Field = "read_at"
	FieldCreatedAt       Field = "created_at"
	FieldSeq             Field = "seq"
)

var (
	conversationFields = map[Field]bool{
		FieldID: true, FieldParticipantLow: true, FieldParticipantHigh: true,
		FieldContextRef: true, FieldLastActivityAt: true,
	}
	messageFields = map[Field]bool{
		FieldID: true, FieldConversationID: true, FieldSenderID: true,
		FieldReadAt: true, FieldCreatedAt: true, FieldSeq: true,
	}
)

type filterOp int

const (
	opAll filterOp = iota
	opEq
	opNotEq
	opIn
	opIsNull
	opNotNull
	opAnd
	opOr
)

// Filter is an immutable predicate tree. The zero value matches every record.
type Filter struct {
	op       filterOp
	field    Field
	values   []string
	children []Filter
}

// Eq matches records whose field equals value.
func Eq(field Field, value string) Filter {
	return Filter{op: opEq, field: field, values: []string{value}}
}

// NotEq matches records whose field is set and differs from value.
func NotEq(field Field, value string) Filter {
	return Filter{op: opNotEq, field: field, values: []string{value}}
}

// In matches records whose field is one of values. An empty set matches nothing.
func In(field Field, values ...string) Filter {
	return Filter{op: opIn, field: field, values: values}
}

// IsNull matches records whose field is unset.
func IsNull(field Field) Filter {
	return Filter{op: opIsNull, field: field}
}

// NotNull matches records whose field is set.
func NotNull(field Field) Filter {
	return Filter{op: opNotNull, field: field}
}

// And matches records matching every child.
func And(filters ...Filter) Filter {
	return Filter{op: opAnd, children: filters}
}

// Or matches records matching at least one child.
func Or(filters ...Filter) Filter {
	return Filter{op: opOr, children: filters}
}

// toSQL renders the filter as a WHERE fragment with positional args.
// Fields outside allowed are rejected so callers can never filter on unindexed columns.
func (f Filter) toSQL(allowed map[Field]bool) (string, []any, error) {
	switch f.op {
	case opAll:
		return "1=1", nil, nil
	case opAnd, opOr:
		if len(f.children) == 0 {
			if f.op == opAnd {
				return "1=1", nil, nil
			}
			return "1=0", nil, nil
		}
		joiner := " AND "
		if f.op == opOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(f.children))
		var args []any
		for _, c := range f.children {
			clause, cargs, err := c.toSQL(allowed)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+clause+")")
			args = append(args, cargs...)
		}
		return strings.Join(parts, joiner), args, nil
	}

	if !allowed[f.field] {
		return "", nil, fmt.Errorf("field %q is not filterable", f.field)
	}
	col := string(f.field)

	switch f.op {
	case opEq:
		return col + " = ?", []any{f.values[0]}, nil
	case opNotEq:
		return col + " != ?", []any{f.values[0]}, nil
	case opIn:
		if len(f.values) == 0 {
			return "1=0", nil, nil
		}
		args := make([]any, len(f.values))
		for i, v := range f.values {
			args[i] = v
		}
		return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.values)), ",") + ")", args, nil
	case opIsNull:
		return col + " IS NULL", nil, nil
	case opNotNull:
		return col + " IS NOT NULL", nil, nil
	}
	return "", nil, fmt.Errorf("unknown filter op %d", f.op)
}

// match evaluates the filter in memory. get returns the field value and whether it is set.
func (f Filter) match(get func(Field) (string, bool)) bool {
	switch f.op {
	case opAll:
		return true
	case opAnd:
		for _, c := range f.children {
			if !c.match(get) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range f.children {
			if c.match(get) {
				return true
			}
		}
		return false
	}

	v, ok := get(f.field)
	switch f.op {
	case opEq:
		return ok && v == f.values[0]
	case opNotEq:
		return ok && v != f.values[0]
	case opIn:
		if !ok {
			return false
		}
		for _, want := range f.values {
			if v == want {
				return true
			}
		}
		return false
	case opIsNull:
		return !ok
	case opNotNull:
		return ok
	}
	return false
}

// orderSQL renders ORDER BY terms, always ending with tiebreak so results are deterministic.
// Tiebreak fields already named in orders are skipped.
func orderSQL(orders []Order, allowed map[Field]bool, tiebreak ...Order) (string, error) {
	terms := make([]string, 0, len(orders)+len(tiebreak))
	seen := make(map[Field]bool, len(orders)+len(tiebreak))
	for _, o := range append(append([]Order{}, orders...), tiebreak...) {
		if !allowed[o.Field] {
			return "", fmt.Errorf("field %q is not orderable", o.Field)
		}
		if seen[o.Field] {
			continue
		}
		seen[o.Field] = true
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		terms = append(terms, string(o.Field)+" "+dir)
	}
	if len(terms) == 0 {
		return "", nil
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}
