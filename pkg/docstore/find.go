package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"
)

// FindRequest is a Mango style query.
type FindRequest struct {
	Selector map[string]any `json:"selector"`
	Fields   []string       `json:"fields,omitempty"`
	Sort     []SortField    `json:"sort,omitempty"`
	Skip     int            `json:"skip,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// SortField decodes from "field" or {"field": "asc"|"desc"}.
type SortField struct {
	Field string
	Desc  bool
}

func (f *SortField) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*f = SortField{Field: name}
		return nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil || len(obj) != 1 {
		return fmt.Errorf("%w: sort entry must be a field name or {field: direction}", dberrors.ErrInvalidArgument)
	}
	for field, dir := range obj {
		switch dir {
		case "asc":
			*f = SortField{Field: field}
		case "desc":
			*f = SortField{Field: field, Desc: true}
		default:
			return fmt.Errorf("%w: sort direction %q", dberrors.ErrInvalidArgument, dir)
		}
	}
	return nil
}

func (f SortField) MarshalJSON() ([]byte, error) {
	dir := "asc"
	if f.Desc {
		dir = "desc"
	}
	return json.Marshal(map[string]string{f.Field: dir})
}

// Find returns the live documents matching req.Selector. Results are ordered
// by id unless req.Sort says otherwise.
func (s *Store) Find(ctx context.Context, req FindRequest) ([]types.Document, error) {
	match, err := compileSelector(req.Selector)
	if err != nil {
		return nil, err
	}
	if req.Skip < 0 || req.Limit < 0 {
		return nil, fmt.Errorf("%w: negative skip or limit", dberrors.ErrInvalidArgument)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, dberrors.ErrClosed
	}

	candidates, err := s.candidates(ctx, req.Selector)
	if err != nil {
		return nil, err
	}

	var matched []types.Document
	for _, doc := range candidates {
		if match(doc) {
			matched = append(matched, doc)
		}
	}

	if len(req.Sort) > 0 {
		slices.SortStableFunc(matched, func(a, b types.Document) int {
			for _, f := range req.Sort {
				va, _ := lookup(a, f.Field)
				vb, _ := lookup(b, f.Field)
				c := compareValues(va, vb)
				if f.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	if req.Skip >= len(matched) {
		return []types.Document{}, nil
	}
	matched = matched[req.Skip:]
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	out := make([]types.Document, len(matched))
	for i, doc := range matched {
		out[i] = project(doc, req.Fields)
	}
	return out, nil
}

// candidates narrows the search through an index when the selector allows
// it. Callers hold s.mu.
func (s *Store) candidates(ctx context.Context, sel map[string]any) ([]types.Document, error) {
	field, value, ok := indexedEquality(sel, func(f string) bool {
		_, ok := s.indexes[f]
		return ok
	})
	if !ok {
		return s.live(ctx)
	}

	ids := s.indexes[field].lookup(value)
	docs := make([]types.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok, err := s.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && !doc.Deleted() {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func project(doc types.Document, fields []string) types.Document {
	if len(fields) == 0 {
		return copyDoc(doc)
	}
	out := make(types.Document, len(fields))
	for _, f := range fields {
		if v, ok := lookup(doc, f); ok {
			assign(out, f, deepCopy(v))
		}
	}
	return out
}
