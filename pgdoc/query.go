package pgdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

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
	sql, args := s.buildQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError("run query", err)
	}
	defer rows.Close()
	var docs []driver.Document
	for rows.Next() {
		var (
			path      string
			data      []byte
			version   int64
			updatedAt time.Time
		)
		if err := rows.Scan(&path, &data, &version, &updatedAt); err != nil {
			return nil, mapPgError("scan query row", err)
		}
		docs = append(docs, driver.Document{
			Path:      path,
			Data:      data,
			Exists:    true,
			Version:   version,
			UpdatedAt: updatedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("run query", err)
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

// buildQuery renders the SELECT for q. Field paths travel as text[] fed to
// the #> extractor, filter operands as jsonb literals.
func (s *Store) buildQuery(q driver.QuerySpec) (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}
	fmt.Fprintf(&b, "SELECT path, data, version, updated_at FROM %s WHERE collection = $1 AND NOT deleted", s.table)
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
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// filterClause renders one filter. Missing fields extract as SQL NULL, so
// comparisons exclude them the way the wire protocol requires; array
// operators guard the extracted type before unnesting.
func filterClause(f driver.Filter, args *[]any) string {
	*args = append(*args, fieldPathArg(f.FieldPath))
	field := fmt.Sprintf("data #> $%d", len(*args))
	*args = append(*args, string(f.Value))
	operand := fmt.Sprintf("$%d::jsonb", len(*args))
	switch f.Op {
	case driver.OpEqual:
		return fmt.Sprintf("%s = %s", field, operand)
	case driver.OpNotEqual:
		return fmt.Sprintf("%s <> %s", field, operand)
	case driver.OpArrayContains:
		return fmt.Sprintf(
			"(CASE WHEN jsonb_typeof(%s) = 'array' THEN EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS elems(elem) WHERE elems.elem = %s) ELSE FALSE END)",
			field, field, operand)
	case driver.OpIn:
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS opts(opt) WHERE opts.opt = %s)",
			operand, field)
	case driver.OpNotIn:
		return fmt.Sprintf(
			"(%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS opts(opt) WHERE opts.opt = %s))",
			field, operand, field)
	case driver.OpArrayContainsAny:
		return fmt.Sprintf(
			"(CASE WHEN jsonb_typeof(%s) = 'array' THEN EXISTS (SELECT 1 FROM jsonb_array_elements(%s) AS elems(elem) WHERE elems.elem IN (SELECT opts.opt FROM jsonb_array_elements(%s) AS opts(opt))) ELSE FALSE END)",
			field, field, operand)
	default:
		// Range comparison: only same-type scalars are ordered, so mixed
		// types and missing fields never match.
		return fmt.Sprintf(
			"(jsonb_typeof(%s) = jsonb_typeof(%s) AND jsonb_typeof(%s) IN ('number','string','boolean') AND %s %s %s)",
			field, operand, operand, field, rangeOps[f.Op], operand)
	}
}

// writeOrder appends one ORDER BY key pair: a type-rank expression keeping
// mixed types deterministic (missing < null < bool < number < string <
// array < object), then the value itself. Trailing comma is intentional;
// the caller closes with the path tiebreak.
func writeOrder(b *strings.Builder, o driver.Order, args *[]any) {
	*args = append(*args, fieldPathArg(o.FieldPath))
	p := len(*args)
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(b,
		"CASE WHEN data #> $%d IS NULL THEN 0 WHEN jsonb_typeof(data #> $%d) = 'null' THEN 1 WHEN jsonb_typeof(data #> $%d) = 'boolean' THEN 2 WHEN jsonb_typeof(data #> $%d) = 'number' THEN 3 WHEN jsonb_typeof(data #> $%d) = 'string' THEN 4 WHEN jsonb_typeof(data #> $%d) = 'array' THEN 5 ELSE 6 END %s, data #> $%d %s, ",
		p, p, p, p, p, p, dir, p, dir)
}

// fieldPathArg converts a dotted field path into the text[] form #> expects.
func fieldPathArg(fieldPath string) []string {
	return strings.Split(fieldPath, ".")
}
