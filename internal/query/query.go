// Package query defines the tree a percolator query is registered as. The set
// of node types is closed: anything the percolator cannot reason about
// structurally is carried as an OpaqueQuery.
package query

// Kind identifies the variant of a query node.
type Kind uint8

const (
	KindTerm Kind = iota + 1
	KindPhrase
	KindBool
	KindConstantScore
	KindBoost
	KindMatchAll
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindTerm:
		return "term"
	case KindPhrase:
		return "phrase"
	case KindBool:
		return "bool"
	case KindConstantScore:
		return "constant_score"
	case KindBoost:
		return "boost"
	case KindMatchAll:
		return "match_all"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Query is implemented by every node type in this package and nothing else.
type Query interface {
	Kind() Kind
	sealed()
}

// TermQuery matches documents whose field contains exactly Value.
type TermQuery struct {
	Field string
	Value []byte
}

func (*TermQuery) Kind() Kind { return KindTerm }
func (*TermQuery) sealed()    {}

// PhraseQuery matches documents where Values appear consecutively in Field.
type PhraseQuery struct {
	Field  string
	Values [][]byte
}

func (*PhraseQuery) Kind() Kind { return KindPhrase }
func (*PhraseQuery) sealed()    {}

// BoolQuery combines sub-queries. All Must clauses have to match, no MustNot
// clause may match, and at least MinimumShouldMatch Should clauses have to
// match.
type BoolQuery struct {
	Must               []Query
	Should             []Query
	MustNot            []Query
	MinimumShouldMatch int
}

func (*BoolQuery) Kind() Kind { return KindBool }
func (*BoolQuery) sealed()    {}

// ConstantScoreQuery matches what Inner matches without scoring it.
type ConstantScoreQuery struct {
	Inner Query
}

func (*ConstantScoreQuery) Kind() Kind { return KindConstantScore }
func (*ConstantScoreQuery) sealed()    {}

// BoostQuery matches what Inner matches with its score multiplied by Boost.
type BoostQuery struct {
	Inner Query
	Boost float32
}

func (*BoostQuery) Kind() Kind { return KindBoost }
func (*BoostQuery) sealed()    {}

// MatchAllQuery matches every document.
type MatchAllQuery struct{}

func (*MatchAllQuery) Kind() Kind { return KindMatchAll }
func (*MatchAllQuery) sealed()    {}

// Opaque tags produced by the parser, the rewriter and lowering.
const (
	TagMatch       = "match"
	TagMatchPhrase = "match_phrase"
	TagTermsLookup = "terms_lookup"
	TagMatchNone   = "match_none"
	TagRange       = "range"
	TagPrefix      = "prefix"
	TagWildcard    = "wildcard"
	TagRegexp      = "regexp"
	TagExists      = "exists"
)

// OpaqueQuery is a query whose structure is not analysed. Field names the
// field it targets, if any; Payload holds its parameters verbatim.
type OpaqueQuery struct {
	Tag     string
	Field   string
	Payload []byte
}

func (*OpaqueQuery) Kind() Kind { return KindOpaque }
func (*OpaqueQuery) sealed()    {}

// Term returns a TermQuery for a string value.
func Term(field, value string) *TermQuery {
	return &TermQuery{Field: field, Value: []byte(value)}
}

// Phrase returns a PhraseQuery over string values.
func Phrase(field string, values ...string) *PhraseQuery {
	p := &PhraseQuery{Field: field, Values: make([][]byte, len(values))}
	for i, v := range values {
		p.Values[i] = []byte(v)
	}
	return p
}

// MatchNone returns the opaque node used for queries that can never match.
func MatchNone() *OpaqueQuery {
	return &OpaqueQuery{Tag: TagMatchNone}
}

// Children returns the direct sub-queries of q in traversal order: must,
// should, then must_not for booleans.
func Children(q Query) []Query {
	switch v := q.(type) {
	case *BoolQuery:
		out := make([]Query, 0, len(v.Must)+len(v.Should)+len(v.MustNot))
		out = append(out, v.Must...)
		out = append(out, v.Should...)
		return append(out, v.MustNot...)
	case *ConstantScoreQuery:
		return []Query{v.Inner}
	case *BoostQuery:
		return []Query{v.Inner}
	default:
		return nil
	}
}
