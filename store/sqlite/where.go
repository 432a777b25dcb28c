package sqlite

import "strings"

// Where builds a WHERE clause of conditions joined with AND.
type Where struct {
	conds []string
	vals  []any
}

func NewWhere() *Where {
	return &Where{}
}

// Add adds an equality condition of column k.
func (w *Where) Add(k string, v any) {
	w.Cond(k+" = ?", v)
}

// Cond adds a condition with placeholders, and the values for them.
func (w *Where) Cond(cond string, vals ...any) {
	w.conds = append(w.conds, cond)
	w.vals = append(w.vals, vals...)
}

func (w *Where) Stmt() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *Where) Vals() []any {
	return w.vals
}
