// Package extract derives, from a query, a set of terms of which at least one
// must be present in any document the query matches. Percolation uses these
// terms to skip stored queries that cannot match a document; queries for which
// no such set can be proven are flagged as incomplete and always evaluated.
package extract

import (
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
)

// node is a query scheduled for folding. Child results are referenced by
// their index in the node list; children always sit after their parent.
type node struct {
	q      query.Query
	must   []int
	should []int
	inner  int
}

// Extract computes the pre-filter term set of q. It never fails: queries it
// cannot analyse yield an incomplete, empty set. The traversal does not
// recurse, so arbitrarily deep trees are handled.
func Extract(q query.Query) TermSet {
	if q == nil {
		return TermSet{}
	}

	nodes := []node{{q: q, inner: -1}}
	push := func(c query.Query) int {
		nodes = append(nodes, node{q: c, inner: -1})
		return len(nodes) - 1
	}
	for i := 0; i < len(nodes); i++ {
		switch v := nodes[i].q.(type) {
		case *query.BoolQuery:
			// must_not clauses require absence and never contribute terms,
			// and should clauses only matter when at least one is required.
			must := make([]int, len(v.Must))
			for j, c := range v.Must {
				must[j] = push(c)
			}
			var should []int
			if v.MinimumShouldMatch >= 1 {
				should = make([]int, len(v.Should))
				for j, c := range v.Should {
					should[j] = push(c)
				}
			}
			nodes[i].must, nodes[i].should = must, should
		case *query.ConstantScoreQuery:
			nodes[i].inner = push(v.Inner)
		case *query.BoostQuery:
			nodes[i].inner = push(v.Inner)
		}
	}

	results := make([]TermSet, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		results[i] = fold(nodes[i], results)
	}
	return results[0]
}

func fold(n node, results []TermSet) TermSet {
	switch v := n.q.(type) {
	case *query.TermQuery:
		return newTermSet([]Term{{Field: v.Field, Value: v.Value}}, true)
	case *query.PhraseQuery:
		terms := make([]Term, len(v.Values))
		for i, val := range v.Values {
			terms[i] = Term{Field: v.Field, Value: val}
		}
		return newTermSet(terms, true)
	case *query.ConstantScoreQuery, *query.BoostQuery:
		return results[n.inner]
	case *query.BoolQuery:
		return foldBool(n, results)
	default:
		// match_all, opaque and nil children.
		return TermSet{}
	}
}

func foldBool(n node, results []TermSet) TermSet {
	best := -1
	for _, idx := range n.must {
		if !results[idx].Complete {
			continue
		}
		if best < 0 || better(results[idx], results[best]) {
			best = idx
		}
	}
	if best >= 0 {
		return results[best]
	}

	if len(n.should) == 0 {
		return TermSet{}
	}
	complete := true
	var union []Term
	for _, idx := range n.should {
		union = append(union, results[idx].Terms...)
		if !results[idx].Complete {
			complete = false
		}
	}
	return newTermSet(union, complete)
}

// better reports whether a is a more selective required clause than b:
// longer shortest term first, then fewer terms, then the smaller first term.
func better(a, b TermSet) bool {
	if la, lb := a.MinLen(), b.MinLen(); la != lb {
		return la > lb
	}
	if a.Len() != b.Len() {
		return a.Len() < b.Len()
	}
	return a.Terms[0].Compare(b.Terms[0]) < 0
}
