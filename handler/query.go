package handler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/stevemurr/crm-sync-server/manager"
)

var knownOps = map[manager.Op]bool{
	manager.OpEq: true, manager.OpNe: true,
	manager.OpGt: true, manager.OpGte: true, manager.OpLt: true, manager.OpLte: true,
	manager.OpContains: true, manager.OpStartsWith: true, manager.OpEndsWith: true,
	manager.OpIn: true, manager.OpNotIn: true,
}

// parseQuery reads search, sort, order, page, limit and any number of
// filter=field:op:value parameters.
func parseQuery(v url.Values) (manager.Query, error) {
	q := manager.Query{Search: v.Get("search")}

	if field := v.Get("sort"); field != "" {
		order := manager.Order(v.Get("order"))
		switch order {
		case "":
			order = manager.Asc
		case manager.Asc, manager.Desc:
		default:
			return q, fmt.Errorf("invalid order %q", order)
		}
		q.Sort = &manager.Sort{Field: field, Order: order}
	}

	var err error
	if q.Page, err = intParam(v, "page"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}

	for _, raw := range v["filter"] {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 || parts[0] == "" {
			return q, fmt.Errorf("invalid filter %q, want field:op:value", raw)
		}
		op := manager.Op(parts[1])
		if !knownOps[op] {
			return q, fmt.Errorf("unknown filter operator %q", parts[1])
		}
		var value any
		if op == manager.OpIn || op == manager.OpNotIn {
			list := []any{}
			for _, item := range strings.Split(parts[2], ",") {
				list = append(list, parseValue(item))
			}
			value = list
		} else {
			value = parseValue(parts[2])
		}
		if q.Filter == nil {
			q.Filter = make(map[string]manager.Condition)
		}
		q.Filter[parts[0]] = manager.Condition{Op: op, Value: value}
	}
	return q, nil
}

func intParam(v url.Values, name string) (int, error) {
	s := v.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

// parseValue decodes s as a JSON literal (number, bool, null, quoted string)
// and falls back to the raw text.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
