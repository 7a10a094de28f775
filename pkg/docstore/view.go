package docstore

import (
	"context"
	"fmt"
	"math"
	"slices"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Built-in reducers.
const (
	ReduceCount = "_count"
	ReduceSum   = "_sum"
	ReduceStats = "_stats"
)

// View is a map/reduce query. Map is evaluated for every live document with
// the document bound to doc and returns the emitted key; nil emits nothing.
// Value, when set, computes the emitted value.
type View struct {
	Map    string `json:"map"`
	Value  string `json:"value,omitempty"`
	Reduce string `json:"reduce,omitempty"`
	Group  bool   `json:"group,omitempty"`
}

// ViewRow is an emitted or reduced row. Reduced rows have no ID.
type ViewRow struct {
	ID    string `json:"id,omitempty"`
	Key   any    `json:"key"`
	Value any    `json:"value"`
}

// Stats is the value of a _stats reduction.
type Stats struct {
	Sum    float64 `json:"sum"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sumsqr float64 `json:"sumsqr"`
}

type compiledView struct {
	mapper *vm.Program
	valuer *vm.Program
	reduce string
	group  bool
}

func viewEnv(doc map[string]any) map[string]any {
	return map[string]any{"doc": doc}
}

func compileView(v View) (*compiledView, error) {
	if v.Map == "" {
		return nil, fmt.Errorf("%w: view has no map expression", dberrors.ErrInvalidArgument)
	}
	switch v.Reduce {
	case "", ReduceCount, ReduceSum, ReduceStats:
	default:
		return nil, fmt.Errorf("%w: unknown reducer %q", dberrors.ErrInvalidArgument, v.Reduce)
	}

	env := viewEnv(map[string]any{})
	mapper, err := expr.Compile(v.Map, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("%w: map: %v", dberrors.ErrInvalidArgument, err)
	}
	cv := &compiledView{mapper: mapper, reduce: v.Reduce, group: v.Group}

	if v.Value != "" {
		cv.valuer, err = expr.Compile(v.Value, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("%w: value: %v", dberrors.ErrInvalidArgument, err)
		}
	}
	return cv, nil
}

// Query runs a map/reduce view over the live documents. Emitted rows are
// ordered by key, then id.
func (s *Store) Query(ctx context.Context, v View) ([]ViewRow, error) {
	cv, err := compileView(v)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	docs, err := s.live(ctx)
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, dberrors.ErrClosed
	}
	if err != nil {
		return nil, err
	}

	var rows []ViewRow
	for _, doc := range docs {
		row, ok, err := cv.emit(copyDoc(doc))
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	slices.SortStableFunc(rows, func(a, b ViewRow) int {
		if c := compareValues(a.Key, b.Key); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if cv.reduce == "" {
		return rows, nil
	}
	return cv.reduceRows(rows)
}

func (cv *compiledView) emit(doc types.Document) (ViewRow, bool, error) {
	env := viewEnv(doc)

	key, err := expr.Run(cv.mapper, env)
	if err != nil {
		return ViewRow{}, false, fmt.Errorf("%w: map %s: %v", dberrors.ErrInvalidArgument, doc.ID(), err)
	}
	if key == nil {
		return ViewRow{}, false, nil
	}

	var value any
	if cv.valuer != nil {
		value, err = expr.Run(cv.valuer, env)
		if err != nil {
			return ViewRow{}, false, fmt.Errorf("%w: value %s: %v", dberrors.ErrInvalidArgument, doc.ID(), err)
		}
	}
	return ViewRow{ID: doc.ID(), Key: key, Value: value}, true, nil
}

func (cv *compiledView) reduceRows(rows []ViewRow) ([]ViewRow, error) {
	if !cv.group {
		v, err := cv.reduceValues(rows)
		if err != nil {
			return nil, err
		}
		return []ViewRow{{Key: nil, Value: v}}, nil
	}

	var out []ViewRow
	for start := 0; start < len(rows); {
		end := start + 1
		for end < len(rows) && compareValues(rows[end].Key, rows[start].Key) == 0 {
			end++
		}
		v, err := cv.reduceValues(rows[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, ViewRow{Key: rows[start].Key, Value: v})
		start = end
	}
	return out, nil
}

func (cv *compiledView) reduceValues(rows []ViewRow) (any, error) {
	if cv.reduce == ReduceCount {
		return len(rows), nil
	}

	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, r := range rows {
		n, ok := toFloat(r.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs numeric values, row %s emitted %v", dberrors.ErrInvalidArgument, cv.reduce, r.ID, r.Value)
		}
		st.Sum += n
		st.Count++
		st.Min = min(st.Min, n)
		st.Max = max(st.Max, n)
		st.Sumsqr += n * n
	}

	if cv.reduce == ReduceSum {
		return st.Sum, nil
	}
	if st.Count == 0 {
		st.Min, st.Max = 0, 0
	}
	return st, nil
}
