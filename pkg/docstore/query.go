package docstore

// Query is a conjunctive equality predicate: a document matches when every
// named field equals the given value. An absent field reads as null, so a
// Null clause matches documents missing that field. The empty Query matches
// every document.
type Query map[string]Value

// Matches reports whether doc satisfies every clause of q.
func (q Query) Matches(doc *Document) bool {
	for field, want := range q {
		got, _ := doc.Get(field)
		if !got.Equal(want) {
			return false
		}
	}
	return true
}

// Where is shorthand for a single-clause Query.
func Where(field string, v Value) Query {
	return Query{field: v}
}

// And returns a copy of q with the extra clause added.
func (q Query) And(field string, v Value) Query {
	out := make(Query, len(q)+1)
	for k, val := range q {
		out[k] = val
	}
	out[field] = v
	return out
}
