package docstore

import (
	"fmt"
	"regexp"
	"strings"

	"replidb/pkg/dberrors"
)

// matcher reports whether a document satisfies a compiled selector.
type matcher func(doc map[string]any) bool

// fieldMatcher tests the value of a single field. present is false when the
// document has no such field.
type fieldMatcher func(v any, present bool) bool

func invalidSelector(format string, args ...any) error {
	return fmt.Errorf("%w: selector: %s", dberrors.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// compileSelector turns a Mango style selector into a matcher. Top level keys
// are combined with AND.
func compileSelector(sel map[string]any) (matcher, error) {
	if len(sel) == 0 {
		return nil, invalidSelector("empty selector")
	}

	parts := make([]matcher, 0, len(sel))
	for key, cond := range sel {
		m, err := compileClause(key, cond)
		if err != nil {
			return nil, err
		}
		parts = append(parts, m)
	}

	return func(doc map[string]any) bool {
		for _, m := range parts {
			if !m(doc) {
				return false
			}
		}
		return true
	}, nil
}

func compileClause(key string, cond any) (matcher, error) {
	switch key {
	case "$and", "$or":
		list, ok := cond.([]any)
		if !ok || len(list) == 0 {
			return nil, invalidSelector("%s expects a non-empty array", key)
		}
		subs := make([]matcher, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, invalidSelector("%s expects selectors", key)
			}
			sub, err := compileSelector(m)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if key == "$and" {
			return func(doc map[string]any) bool {
				for _, m := range subs {
					if !m(doc) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(doc map[string]any) bool {
			for _, m := range subs {
				if m(doc) {
					return true
				}
			}
			return false
		}, nil

	case "$not":
		m, ok := cond.(map[string]any)
		if !ok {
			return nil, invalidSelector("$not expects a selector")
		}
		sub, err := compileSelector(m)
		if err != nil {
			return nil, err
		}
		return func(doc map[string]any) bool { return !sub(doc) }, nil
	}

	if strings.HasPrefix(key, "$") {
		return nil, invalidSelector("unknown combination operator %s", key)
	}

	fm, err := compileCondition(cond)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return func(doc map[string]any) bool {
		v, ok := lookup(doc, key)
		return fm(v, ok)
	}, nil
}

// compileCondition handles the value side of a field clause: either an
// operator object or an implicit $eq.
func compileCondition(cond any) (fieldMatcher, error) {
	ops, ok := cond.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return compileOperator("$eq", cond)
	}

	parts := make([]fieldMatcher, 0, len(ops))
	for op, arg := range ops {
		fm, err := compileOperator(op, arg)
		if err != nil {
			return nil, err
		}
		parts = append(parts, fm)
	}
	return func(v any, present bool) bool {
		for _, fm := range parts {
			if !fm(v, present) {
				return false
			}
		}
		return true
	}, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func compileOperator(op string, arg any) (fieldMatcher, error) {
	switch op {
	case "$eq":
		return func(v any, present bool) bool {
			return present && compareValues(v, arg) == 0
		}, nil
	case "$ne":
		return func(v any, present bool) bool {
			return present && compareValues(v, arg) != 0
		}, nil
	case "$gt":
		return compareOp(arg, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return compareOp(arg, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return compareOp(arg, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return compareOp(arg, func(c int) bool { return c <= 0 }), nil

	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return nil, invalidSelector("%s expects an array", op)
		}
		in := func(v any) bool {
			for _, x := range list {
				if compareValues(v, x) == 0 {
					return true
				}
			}
			return false
		}
		if op == "$in" {
			return func(v any, present bool) bool { return present && in(v) }, nil
		}
		return func(v any, present bool) bool { return present && !in(v) }, nil

	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return nil, invalidSelector("$exists expects a boolean")
		}
		return func(_ any, present bool) bool { return present == want }, nil

	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, invalidSelector("$regex expects a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, invalidSelector("$regex: %v", err)
		}
		return func(v any, present bool) bool {
			s, ok := v.(string)
			return present && ok && re.MatchString(s)
		}, nil

	case "$not":
		sub, err := compileCondition(arg)
		if err != nil {
			return nil, err
		}
		return func(v any, present bool) bool { return !sub(v, present) }, nil
	}

	return nil, invalidSelector("unknown operator %s", op)
}

// range operators only compare values of the same kind
func compareOp(arg any, ok func(int) bool) fieldMatcher {
	return func(v any, present bool) bool {
		if !present || class(v) != class(arg) {
			return false
		}
		return ok(compareValues(v, arg))
	}
}

// indexedEquality returns a top level field compared with $eq, the only
// clause shape a secondary index can answer.
func indexedEquality(sel map[string]any, indexed func(string) bool) (string, any, bool) {
	for key, cond := range sel {
		if strings.HasPrefix(key, "$") || !indexed(key) {
			continue
		}
		if ops, ok := cond.(map[string]any); ok && isOperatorObject(ops) {
			if v, ok := ops["$eq"]; ok {
				return key, v, true
			}
			continue
		}
		return key, cond, true
	}
	return "", nil, false
}
