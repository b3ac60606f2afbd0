package manager

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/stevemurr/crm-sync-server/record"
)

// Op is a filter operator.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
)

// Condition is one field filter. The zero Op means equality.
type Condition struct {
	Op    Op
	Value any
}

// Eq is shorthand for an equality condition.
func Eq(v any) Condition { return Condition{Op: OpEq, Value: v} }

// Order is a sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Sort orders results by one field.
type Sort struct {
	Field string
	Order Order
}

// Query selects records from a collection. Stages apply in order: Filter,
// Search, Sort, then pagination. Pagination applies when Limit > 0; Page is
// 1-indexed and defaults to 1.
type Query struct {
	Filter map[string]Condition
	Search string
	Sort   *Sort
	Page   int
	Limit  int
}

// Page is a query result. Total is the size of the whole collection,
// before filtering.
type Page struct {
	Data  []record.Record `json:"data"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

// searchFields are the fields free-text search looks at.
var searchFields = []string{"name", "title", "email", "company", "phone", "subject"}

func runQuery(all []record.Record, q Query) Page {
	data := all
	if len(q.Filter) > 0 {
		data = applyFilters(data, q.Filter)
	}
	if q.Search != "" {
		data = applySearch(data, q.Search)
	}
	if q.Sort != nil && q.Sort.Field != "" {
		data = applySort(data, *q.Sort)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit > 0 {
		// Compared in pages so huge page or limit values cannot overflow.
		pages := len(data) / limit
		if len(data)%limit != 0 {
			pages++
		}
		if page-1 >= pages {
			data = nil
		} else {
			start := (page - 1) * limit
			if limit < len(data)-start {
				data = data[start : start+limit]
			} else {
				data = data[start:]
			}
		}
	} else {
		limit = len(data)
	}
	return Page{Data: record.CloneAll(data), Total: len(all), Page: page, Limit: limit}
}

func applyFilters(data []record.Record, filters map[string]Condition) []record.Record {
	var out []record.Record
	for _, r := range data {
		match := true
		for field, cond := range filters {
			if !matchCondition(r[field], cond) {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out
}

func matchCondition(v any, c Condition) bool {
	switch c.Op {
	case OpNe:
		return !valuesEqual(v, c.Value)
	case OpGt:
		n, ok := compareValues(v, c.Value)
		return ok && n > 0
	case OpGte:
		n, ok := compareValues(v, c.Value)
		return ok && n >= 0
	case OpLt:
		n, ok := compareValues(v, c.Value)
		return ok && n < 0
	case OpLte:
		n, ok := compareValues(v, c.Value)
		return ok && n <= 0
	case OpContains, OpStartsWith, OpEndsWith:
		if v == nil {
			return false
		}
		s, sub := strings.ToLower(stringify(v)), strings.ToLower(stringify(c.Value))
		switch c.Op {
		case OpContains:
			return strings.Contains(s, sub)
		case OpStartsWith:
			return strings.HasPrefix(s, sub)
		default:
			return strings.HasSuffix(s, sub)
		}
	case OpIn:
		in, ok := member(v, c.Value)
		return ok && in
	case OpNotIn:
		in, ok := member(v, c.Value)
		return ok && !in
	default:
		return valuesEqual(v, c.Value)
	}
}

// member reports whether v is an element of list. ok is false when list is
// not a slice.
func member(v, list any) (in, ok bool) {
	rv := reflect.ValueOf(list)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if valuesEqual(v, rv.Index(i).Interface()) {
			return true, true
		}
	}
	return false, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numbers or two strings. ok is false for any
// other combination.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return compareFloat(fa, fb), true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// truthy reports whether a field takes part in search: nil, "", false and
// 0 do not.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func applySearch(data []record.Record, term string) []record.Record {
	term = strings.ToLower(term)
	var out []record.Record
	for _, r := range data {
		for _, field := range searchFields {
			v := r[field]
			if truthy(v) && strings.Contains(strings.ToLower(stringify(v)), term) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// sortRank groups values of different types. Groups keep this order in both
// directions; only values inside a group are reversed by Desc.
func sortRank(v any) int {
	if v == nil {
		return 4
	}
	if _, ok := toFloat(v); ok {
		return 0
	}
	switch v.(type) {
	case string:
		return 1
	case bool:
		return 2
	}
	return 3
}

func compareForSort(a, b any) int {
	ra, rb := sortRank(a), sortRank(b)
	if ra != rb {
		return 0
	}
	switch ra {
	case 0:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return compareFloat(fa, fb)
	case 1:
		return strings.Compare(strings.ToLower(a.(string)), strings.ToLower(b.(string)))
	case 2:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return 0
}

func applySort(data []record.Record, s Sort) []record.Record {
	out := make([]record.Record, len(data))
	copy(out, data)
	desc := s.Order == Desc
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i][s.Field], out[j][s.Field]
		ra, rb := sortRank(a), sortRank(b)
		if ra != rb {
			return ra < rb
		}
		c := compareForSort(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}
