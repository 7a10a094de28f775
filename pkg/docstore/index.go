package docstore

import (
	"replidb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
	"github.com/zhangyunhao116/skipset"
)

// index maps the canonical form of a field value to the ids of the live
// documents holding it.
type index struct {
	field    string
	postings *skipmap.FuncMap[string, *skipset.FuncSet[string]]
}

func newIndex(field string) *index {
	return &index{
		field: field,
		postings: skipmap.NewFunc[string, *skipset.FuncSet[string]](func(a, b string) bool {
			return a < b
		}),
	}
}

func (ix *index) key(doc types.Document) (string, bool) {
	if doc == nil || doc.Deleted() {
		return "", false
	}
	v, ok := lookup(doc, ix.field)
	if !ok {
		return "", false
	}
	return canonical(v), true
}

// update moves id from the posting of prev to the posting of next. Either
// may be nil.
func (ix *index) update(id string, prev, next types.Document) {
	if k, ok := ix.key(prev); ok {
		if ids, ok := ix.postings.Load(k); ok {
			ids.Remove(id)
		}
	}
	if k, ok := ix.key(next); ok {
		ids, _ := ix.postings.LoadOrStore(k, skipset.NewFunc[string](func(a, b string) bool {
			return a < b
		}))
		ids.Add(id)
	}
}

func (ix *index) lookup(v any) []string {
	ids, ok := ix.postings.Load(canonical(v))
	if !ok {
		return nil
	}
	out := make([]string, 0, ids.Len())
	ids.Range(func(id string) bool {
		out = append(out, id)
		return true
	})
	return out
}
