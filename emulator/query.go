package emulator

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// queryMatch pairs a wire document with its decoded fields so ordering does
// not re-parse JSON per comparison.
type queryMatch struct {
	doc    driver.Document
	fields map[string]any
}

// validateQuery front-loads every malformed-query failure so evaluation
// itself cannot fail.
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

// collectLocked gathers direct children of the query collection that pass
// every filter. Callers hold at least a read lock.
func (e *Engine) collectLocked(q driver.QuerySpec) []queryMatch {
	var matches []queryMatch
	for path, d := range e.docs {
		if parentPath(path) != q.Collection {
			continue
		}
		fields, err := decodeObject(d.data)
		if err != nil {
			continue
		}
		ok := true
		for _, f := range q.Filters {
			if !matchFilter(fields, f) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, queryMatch{doc: d.wire(path), fields: fields})
		}
	}
	return matches
}

func matchFilter(fields map[string]any, f driver.Filter) bool {
	var want any
	if err := json.Unmarshal(f.Value, &want); err != nil {
		return false
	}
	got, ok := fieldValue(fields, f.FieldPath)
	switch f.Op {
	case driver.OpEqual:
		return ok && jsonEqual(got, want)
	case driver.OpNotEqual:
		return ok && !jsonEqual(got, want)
	case driver.OpLess, driver.OpLessEq, driver.OpGreater, driver.OpGreaterEq:
		if !ok {
			return false
		}
		cmp, comparable := compareScalars(got, want)
		if !comparable {
			return false
		}
		switch f.Op {
		case driver.OpLess:
			return cmp < 0
		case driver.OpLessEq:
			return cmp <= 0
		case driver.OpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case driver.OpArrayContains:
		arr, isArr := got.([]any)
		return ok && isArr && containsJSON(arr, want)
	case driver.OpArrayContainsAny:
		arr, isArr := got.([]any)
		wantArr, _ := want.([]any)
		if !ok || !isArr {
			return false
		}
		for _, w := range wantArr {
			if containsJSON(arr, w) {
				return true
			}
		}
		return false
	case driver.OpIn:
		wantArr, _ := want.([]any)
		return ok && containsJSON(wantArr, got)
	case driver.OpNotIn:
		wantArr, _ := want.([]any)
		return ok && !containsJSON(wantArr, got)
	}
	return false
}

// fieldValue resolves a dotted field path inside decoded document fields.
func fieldValue(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func containsJSON(arr []any, v any) bool {
	for _, el := range arr {
		if jsonEqual(el, v) {
			return true
		}
	}
	return false
}

// compareScalars orders two values of the same JSON scalar type. Mixed or
// composite types are not comparable for range filters.
func compareScalars(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case !av && bv:
			return -1, true
		case av && !bv:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// typeRank orders values of different JSON types: missing, then null,
// booleans, numbers, strings, arrays, objects.
func typeRank(v any, present bool) int {
	if !present {
		return 0
	}
	switch v.(type) {
	case nil:
		return 1
	case bool:
		return 2
	case float64:
		return 3
	case string:
		return 4
	case []any:
		return 5
	default:
		return 6
	}
}

// orderCompare ranks two field values for sorting. Same-type scalars use
// their natural order; arrays and objects fall back to their JSON text.
func orderCompare(a any, aPresent bool, b any, bPresent bool) int {
	ra, rb := typeRank(a, aPresent), typeRank(b, bPresent)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if cmp, ok := compareScalars(a, b); ok {
		return cmp
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return strings.Compare(string(aj), string(bj))
}

// sortMatches applies query ordering, falling back to path order so results
// are deterministic when no ordering is requested.
func sortMatches(matches []queryMatch, orders []driver.Order) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		for _, o := range orders {
			av, aOK := fieldValue(a.fields, o.FieldPath)
			bv, bOK := fieldValue(b.fields, o.FieldPath)
			cmp := orderCompare(av, aOK, bv, bOK)
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.doc.Path < b.doc.Path
	})
}
