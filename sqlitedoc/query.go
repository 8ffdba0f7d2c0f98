package sqlitedoc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// rangeOps maps the protocol's comparison operators onto their SQL spelling.
var rangeOps = map[driver.Op]string{
	driver.OpLess:      "<",
	driver.OpLessEq:    "<=",
	driver.OpGreater:   ">",
	driver.OpGreaterEq: ">=",
}

// RunQuery compiles q into a single SELECT over the document table and
// decodes the matching rows in result order.
func (s *Store) RunQuery(ctx context.Context, q driver.QuerySpec) ([]driver.Document, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	query, args := s.buildQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("run query", err)
	}
	defer rows.Close()
	var docs []driver.Document
	for rows.Next() {
		var (
			path    string
			data    []byte
			version int64
			updated string
		)
		if err := rows.Scan(&path, &data, &version, &updated); err != nil {
			return nil, mapSQLiteError("scan query row", err)
		}
		updatedAt, err := parseTime(updated)
		if err != nil {
			return nil, err
		}
		docs = append(docs, driver.Document{
			Path:      path,
			Data:      data,
			Exists:    true,
			Version:   version,
			UpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("run query", err)
	}
	return docs, nil
}

// validateQuery front-loads every malformed-query failure so the generated
// SQL never sees bad operators or operands.
func validateQuery(q driver.QuerySpec) error {
	if err := validateCollectionPath(q.Collection); err != nil {
		return err
	}
	for _, f := range q.Filters {
		if f.FieldPath == "" {
			return skiff.Errorf(skiff.KindInvalidArgument, "filter field path must not be empty")
		}
		if !driver.ValidOp(f.Op) {
			return skiff.Errorf(skiff.KindInvalidArgument, "unknown query operator %q", f.Op)
		}
		var v any
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return skiff.Errorf(skiff.KindInvalidArgument, "filter value for %q is not valid JSON: %v", f.FieldPath, err)
		}
		switch f.Op {
		case driver.OpIn, driver.OpNotIn, driver.OpArrayContainsAny:
			if _, ok := v.([]any); !ok {
				return skiff.Errorf(skiff.KindInvalidArgument, "operator %q needs a JSON array value", f.Op)
			}
		}
	}
	for _, o := range q.Orders {
		if o.FieldPath == "" {
			return skiff.Errorf(skiff.KindInvalidArgument, "order field path must not be empty")
		}
	}
	if q.Limit < 0 {
		return skiff.Errorf(skiff.KindInvalidArgument, "limit must not be negative, got %d", q.Limit)
	}
	return nil
}

// buildQuery renders the SELECT for q. SQLite has no jsonb comparison
// operator, so every clause is specialized on the operand's JSON type:
// json_type guards keep the comparison within one type and exclude missing
// fields, json_extract supplies the comparable value.
func (s *Store) buildQuery(q driver.QuerySpec) (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}
	fmt.Fprintf(&b, "SELECT path, data, version, updated_at FROM %s WHERE collection = ? AND deleted = 0", s.table)
	for _, f := range q.Filters {
		b.WriteString(" AND ")
		b.WriteString(filterClause(f, &args))
	}
	b.WriteString(" ORDER BY ")
	for _, o := range q.Orders {
		writeOrder(&b, o, &args)
	}
	b.WriteString("path ASC")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		b.WriteString(" LIMIT ?")
	}
	return b.String(), args
}

// filterClause renders one filter against the decoded operand.
func filterClause(f driver.Filter, args *[]any) string {
	var v any
	if err := json.Unmarshal(f.Value, &v); err != nil {
		// validateQuery already rejected invalid JSON.
		return "0"
	}
	p := jsonPath(f.FieldPath)
	switch f.Op {
	case driver.OpEqual:
		return eqClause(p, v, args)
	case driver.OpNotEqual:
		*args = append(*args, p)
		return fmt.Sprintf("(json_type(data, ?) IS NOT NULL AND NOT %s)", eqClause(p, v, args))
	case driver.OpArrayContains:
		*args = append(*args, p, p)
		return fmt.Sprintf("(json_type(data, ?) = 'array' AND EXISTS (SELECT 1 FROM json_each(data, ?) WHERE %s))",
			elemMatch(v, args))
	case driver.OpIn:
		vals, _ := v.([]any)
		return inClause(p, vals, args)
	case driver.OpNotIn:
		vals, _ := v.([]any)
		*args = append(*args, p)
		if len(vals) == 0 {
			return "json_type(data, ?) IS NOT NULL"
		}
		return fmt.Sprintf("(json_type(data, ?) IS NOT NULL AND NOT %s)", inClause(p, vals, args))
	case driver.OpArrayContainsAny:
		vals, _ := v.([]any)
		if len(vals) == 0 {
			return "0"
		}
		*args = append(*args, p, p)
		terms := make([]string, 0, len(vals))
		for _, el := range vals {
			terms = append(terms, elemMatch(el, args))
		}
		return fmt.Sprintf("(json_type(data, ?) = 'array' AND EXISTS (SELECT 1 FROM json_each(data, ?) WHERE %s))",
			strings.Join(terms, " OR "))
	default:
		return rangeClause(p, v, rangeOps[f.Op], args)
	}
}

// eqClause renders field == operand for one operand type. Composite values
// compare by canonical JSON text.
func eqClause(p string, v any, args *[]any) string {
	switch val := v.(type) {
	case float64:
		*args = append(*args, p, p, val)
		return "(json_type(data, ?) IN ('integer','real') AND json_extract(data, ?) = ?)"
	case string:
		*args = append(*args, p, p, val)
		return "(json_type(data, ?) = 'text' AND json_extract(data, ?) = ?)"
	case bool:
		*args = append(*args, p, boolTypeName(val))
		return "json_type(data, ?) = ?"
	case nil:
		*args = append(*args, p)
		return "json_type(data, ?) = 'null'"
	default:
		enc, _ := json.Marshal(val)
		*args = append(*args, p, p, string(enc))
		return "(json_type(data, ?) IN ('array','object') AND data -> ? = json(?))"
	}
}

// rangeClause renders an ordered comparison. Only same-type scalars are
// ordered, so mixed types, composites and missing fields never match.
func rangeClause(p string, v any, op string, args *[]any) string {
	switch val := v.(type) {
	case float64:
		*args = append(*args, p, p, val)
		return fmt.Sprintf("(json_type(data, ?) IN ('integer','real') AND json_extract(data, ?) %s ?)", op)
	case string:
		*args = append(*args, p, p, val)
		return fmt.Sprintf("(json_type(data, ?) = 'text' AND json_extract(data, ?) %s ?)", op)
	case bool:
		*args = append(*args, p, p, val)
		return fmt.Sprintf("(json_type(data, ?) IN ('true','false') AND json_extract(data, ?) %s ?)", op)
	default:
		return "0"
	}
}

// elemMatch renders element == operand over the columns of a json_each scan.
func elemMatch(v any, args *[]any) string {
	switch val := v.(type) {
	case float64:
		*args = append(*args, val)
		return "(json_each.type IN ('integer','real') AND json_each.value = ?)"
	case string:
		*args = append(*args, val)
		return "(json_each.type = 'text' AND json_each.value = ?)"
	case bool:
		*args = append(*args, boolTypeName(val))
		return "json_each.type = ?"
	case nil:
		return "json_each.type = 'null'"
	default:
		enc, _ := json.Marshal(val)
		*args = append(*args, string(enc))
		return "(json_each.type IN ('array','object') AND json_each.value = json(?))"
	}
}

// inClause renders membership as a disjunction of type-specialized equality
// terms. An empty candidate list matches nothing.
func inClause(p string, vals []any, args *[]any) string {
	if len(vals) == 0 {
		return "0"
	}
	terms := make([]string, 0, len(vals))
	for _, v := range vals {
		terms = append(terms, eqClause(p, v, args))
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// writeOrder appends one ORDER BY key pair: a type-rank expression keeping
// mixed types deterministic (missing < null < bool < number < string <
// array < object), then the extracted value. Trailing comma is intentional;
// the caller closes with the path tiebreak.
func writeOrder(b *strings.Builder, o driver.Order, args *[]any) {
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	p := jsonPath(o.FieldPath)
	*args = append(*args, p, p)
	fmt.Fprintf(b,
		"CASE json_type(data, ?) WHEN 'null' THEN 1 WHEN 'true' THEN 2 WHEN 'false' THEN 2 WHEN 'integer' THEN 3 WHEN 'real' THEN 3 WHEN 'text' THEN 4 WHEN 'array' THEN 5 WHEN 'object' THEN 6 ELSE 0 END %s, json_extract(data, ?) %s, ",
		dir, dir)
}

// jsonPath converts a dotted field path into the $-rooted form the JSON1
// functions expect.
func jsonPath(fieldPath string) string {
	return "$." + fieldPath
}

func boolTypeName(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
