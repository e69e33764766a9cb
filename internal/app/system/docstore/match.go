// internal/app/system/docstore/match.go
package docstore

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// normalize pushes a Go value through the bson codec so that filter values
// and stored fields compare as the same types (time.Time -> DateTime, named
// string types -> string, slices -> primitive.A).
func normalize(v any) any {
	raw, err := bson.Marshal(bson.M{"v": v})
	if err != nil {
		return v
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return v
	}
	return m["v"]
}

func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(bson.M)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// compare returns -1/0/1 and whether a and b are comparable.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		return cmp3(fa < fb, fa > fb), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return cmp3(av < bv, av > bv), true
	case primitive.DateTime:
		bv, ok := b.(primitive.DateTime)
		if !ok {
			return 0, false
		}
		return cmp3(av < bv, av > bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!av && bv, av && !bv), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func equal(field, want any) bool {
	if arr, ok := field.(primitive.A); ok {
		if _, wantArr := want.(primitive.A); !wantArr {
			for _, el := range arr {
				if c, ok := compare(el, want); ok && c == 0 {
					return true
				}
			}
			return false
		}
	}
	c, ok := compare(field, want)
	return ok && c == 0
}

func matchCond(doc bson.M, c Cond) bool {
	field, _ := lookup(doc, c.Field)
	want := normalize(c.Value)
	switch c.Op {
	case Eq, "":
		return equal(field, want)
	case Ne:
		return !equal(field, want)
	case In:
		list, ok := want.(primitive.A)
		if !ok {
			return false
		}
		for _, w := range list {
			if equal(field, w) {
				return true
			}
		}
		return false
	}
	r, ok := compare(field, want)
	if !ok {
		return false
	}
	switch c.Op {
	case Lt:
		return r < 0
	case Lte:
		return r <= 0
	case Gt:
		return r > 0
	case Gte:
		return r >= 0
	}
	return false
}

func matches(doc bson.M, filter []Cond) bool {
	for _, c := range filter {
		if !matchCond(doc, c) {
			return false
		}
	}
	return true
}

type candidate struct {
	id  string
	raw bson.Raw
	doc bson.M
}

// sortCandidates orders by keys, missing values first, ties broken by _id.
func sortCandidates(cs []candidate, keys []SortKey) {
	sort.SliceStable(cs, func(i, j int) bool {
		for _, k := range keys {
			a, aok := lookup(cs[i].doc, k.Field)
			b, bok := lookup(cs[j].doc, k.Field)
			var r int
			switch {
			case !aok && !bok:
				r = 0
			case !aok:
				r = -1
			case !bok:
				r = 1
			default:
				r, _ = compare(a, b)
			}
			if k.Desc {
				r = -r
			}
			if r != 0 {
				return r < 0
			}
		}
		return cs[i].id < cs[j].id
	})
}
