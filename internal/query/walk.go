package query

import (
	"bytes"
	"strconv"
	"strings"
)

// Visitor is called once per node. depth is 0 for the root. Returning false
// skips the node's children.
type Visitor func(q Query, depth int) bool

// Walk visits the tree rooted at q in pre-order. It keeps its own stack, so
// the depth of the tree is bounded by memory only.
func Walk(q Query, visit Visitor) {
	type item struct {
		q     Query
		depth int
	}
	if q == nil {
		return
	}
	stack := []item{{q: q}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(it.q, it.depth) {
			continue
		}
		children := Children(it.q)
		for i := len(children) - 1; i >= 0; i-- {
			if children[i] != nil {
				stack = append(stack, item{q: children[i], depth: it.depth + 1})
			}
		}
	}
}

// Depth returns the nesting depth of q; a single leaf has depth 1.
func Depth(q Query) int {
	deepest := 0
	Walk(q, func(_ Query, depth int) bool {
		if depth+1 > deepest {
			deepest = depth + 1
		}
		return true
	})
	return deepest
}

// Equal reports whether a and b are structurally identical. Byte values
// compare with bytes.Equal, so nil and empty values are equal.
func Equal(a, b Query) bool {
	type pair struct{ a, b Query }
	stack := []pair{{a, b}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.a == nil || p.b == nil {
			if p.a != nil || p.b != nil {
				return false
			}
			continue
		}
		if p.a.Kind() != p.b.Kind() {
			return false
		}
		switch x := p.a.(type) {
		case *TermQuery:
			y := p.b.(*TermQuery)
			if x.Field != y.Field || !bytes.Equal(x.Value, y.Value) {
				return false
			}
		case *PhraseQuery:
			y := p.b.(*PhraseQuery)
			if x.Field != y.Field || len(x.Values) != len(y.Values) {
				return false
			}
			for i := range x.Values {
				if !bytes.Equal(x.Values[i], y.Values[i]) {
					return false
				}
			}
		case *BoolQuery:
			y := p.b.(*BoolQuery)
			if x.MinimumShouldMatch != y.MinimumShouldMatch ||
				len(x.Must) != len(y.Must) ||
				len(x.Should) != len(y.Should) ||
				len(x.MustNot) != len(y.MustNot) {
				return false
			}
		case *ConstantScoreQuery:
		case *BoostQuery:
			if x.Boost != p.b.(*BoostQuery).Boost {
				return false
			}
		case *MatchAllQuery:
		case *OpaqueQuery:
			y := p.b.(*OpaqueQuery)
			if x.Tag != y.Tag || x.Field != y.Field || !bytes.Equal(x.Payload, y.Payload) {
				return false
			}
		}
		ca, cb := Children(p.a), Children(p.b)
		for i := range ca {
			stack = append(stack, pair{ca[i], cb[i]})
		}
	}
	return true
}

// String renders q in a compact, Lucene-like notation for logs and the
// HTTP API. It is not parseable.
func String(q Query) string {
	var sb strings.Builder
	writeQuery(&sb, q)
	return sb.String()
}

func writeQuery(sb *strings.Builder, q Query) {
	switch v := q.(type) {
	case nil:
		sb.WriteString("<nil>")
	case *TermQuery:
		sb.WriteString(v.Field)
		sb.WriteByte(':')
		sb.Write(v.Value)
	case *PhraseQuery:
		sb.WriteString(v.Field)
		sb.WriteString(":\"")
		for i, val := range v.Values {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.Write(val)
		}
		sb.WriteByte('"')
	case *BoolQuery:
		sb.WriteByte('(')
		first := true
		clause := func(prefix string, qs []Query) {
			for _, c := range qs {
				if !first {
					sb.WriteByte(' ')
				}
				first = false
				sb.WriteString(prefix)
				writeQuery(sb, c)
			}
		}
		clause("+", v.Must)
		clause("", v.Should)
		clause("-", v.MustNot)
		sb.WriteByte(')')
		if v.MinimumShouldMatch > 0 {
			sb.WriteByte('~')
			sb.WriteString(strconv.Itoa(v.MinimumShouldMatch))
		}
	case *ConstantScoreQuery:
		sb.WriteString("ConstantScore(")
		writeQuery(sb, v.Inner)
		sb.WriteByte(')')
	case *BoostQuery:
		sb.WriteByte('(')
		writeQuery(sb, v.Inner)
		sb.WriteString(")^")
		sb.WriteString(strconv.FormatFloat(float64(v.Boost), 'g', -1, 32))
	case *MatchAllQuery:
		sb.WriteString("*:*")
	case *OpaqueQuery:
		sb.WriteString(v.Tag)
		sb.WriteByte('(')
		if v.Field != "" {
			sb.WriteString(v.Field)
			if len(v.Payload) > 0 {
				sb.WriteByte(':')
			}
		}
		sb.Write(v.Payload)
		sb.WriteByte(')')
	}
}
