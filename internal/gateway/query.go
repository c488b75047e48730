package gateway

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Operator はフィルタの比較演算子。
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
)

// Filter はカラムに対する単純な比較条件を表す。
type Filter struct {
	Column string
	Op     Operator
	Value  string
}

// Eq は等価条件を生成する。
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Neq は非等価条件を生成する。
func Neq(column, value string) Filter {
	return Filter{Column: column, Op: OpNeq, Value: value}
}

// Order は並び順を表す。
type Order struct {
	Column string
	Desc   bool
}

// Query は複数行SELECTの条件と並び順を表す。
type Query struct {
	Filters []Filter
	Order   *Order
}

// Encode はフィルタと並び順をクエリ文字列に変換する。
// 形式: col=eq.value&order=col.desc
func (q Query) Encode() string {
	v := EncodeFilters(q.Filters)
	if q.Order != nil {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		v.Set("order", q.Order.Column+"."+dir)
	}
	return v.Encode()
}

// EncodeFilters はフィルタをurl.Valuesに変換する。
func EncodeFilters(filters []Filter) url.Values {
	v := url.Values{}
	for _, f := range filters {
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	}
	return v
}

// ParseQuery はクエリ文字列からフィルタと並び順を復元する。
// allowedに含まれないカラムはエラーにする。
func ParseQuery(values url.Values, allowed map[string]bool) (Query, error) {
	var q Query
	for _, key := range slices.Sorted(maps.Keys(values)) {
		vals := values[key]
		if key == "order" {
			if len(vals) == 0 {
				continue
			}
			col, dir, _ := strings.Cut(vals[0], ".")
			if !allowed[col] {
				return Query{}, fmt.Errorf("unknown order column: %s", col)
			}
			switch dir {
			case "", "asc":
				q.Order = &Order{Column: col}
			case "desc":
				q.Order = &Order{Column: col, Desc: true}
			default:
				return Query{}, fmt.Errorf("unknown order direction: %s", dir)
			}
			continue
		}
		if key == "select" {
			continue
		}
		if !allowed[key] {
			return Query{}, fmt.Errorf("unknown filter column: %s", key)
		}
		for _, raw := range vals {
			op, val, ok := strings.Cut(raw, ".")
			if !ok {
				return Query{}, fmt.Errorf("malformed filter: %s=%s", key, raw)
			}
			switch Operator(op) {
			case OpEq, OpNeq:
				q.Filters = append(q.Filters, Filter{Column: key, Op: Operator(op), Value: val})
			default:
				return Query{}, fmt.Errorf("unsupported operator: %s", op)
			}
		}
	}
	return q, nil
}
