package extract

import (
	"bytes"
	"slices"
	"strings"
)

// Separator joins field name and value in the encoded form of a Term.
const Separator byte = 0x00

// Term is a (field, value) pair. Terms order by field, then value bytes.
type Term struct {
	Field string
	Value []byte
}

// Compare returns -1, 0 or +1 like bytes.Compare.
func (t Term) Compare(o Term) int {
	if c := strings.Compare(t.Field, o.Field); c != 0 {
		return c
	}
	return bytes.Compare(t.Value, o.Value)
}

// Encode returns field || 0x00 || value, the form stored in the extracted
// terms field.
func (t Term) Encode() []byte {
	out := make([]byte, 0, len(t.Field)+1+len(t.Value))
	out = append(out, t.Field...)
	out = append(out, Separator)
	return append(out, t.Value...)
}

func (t Term) String() string {
	return t.Field + ":" + string(t.Value)
}

// DecodeTerm splits an encoded term at the first separator. Field names
// cannot contain the separator, values can.
func DecodeTerm(b []byte) (Term, bool) {
	i := bytes.IndexByte(b, Separator)
	if i < 0 {
		return Term{}, false
	}
	return Term{Field: string(b[:i]), Value: b[i+1:]}, true
}

// TermSet is the result of extraction. Terms is sorted and duplicate free.
// When Complete is true every document matching the query contains at least
// one of Terms; otherwise nothing can be concluded from Terms.
type TermSet struct {
	Terms    []Term
	Complete bool
}

func (s TermSet) Len() int { return len(s.Terms) }

// Contains reports whether t is in the set.
func (s TermSet) Contains(t Term) bool {
	_, ok := slices.BinarySearchFunc(s.Terms, t, Term.Compare)
	return ok
}

// MinLen returns the length in bytes of the shortest value in the set.
func (s TermSet) MinLen() int {
	if len(s.Terms) == 0 {
		return 0
	}
	m := len(s.Terms[0].Value)
	for _, t := range s.Terms[1:] {
		if len(t.Value) < m {
			m = len(t.Value)
		}
	}
	return m
}

// Encoded returns every term in its stored form, in set order.
func (s TermSet) Encoded() [][]byte {
	out := make([][]byte, len(s.Terms))
	for i, t := range s.Terms {
		out[i] = t.Encode()
	}
	return out
}

func newTermSet(terms []Term, complete bool) TermSet {
	slices.SortFunc(terms, Term.Compare)
	terms = slices.CompactFunc(terms, func(a, b Term) bool { return a.Compare(b) == 0 })
	if len(terms) == 0 {
		complete = false
	}
	return TermSet{Terms: terms, Complete: complete}
}
