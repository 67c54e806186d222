package mapping

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

// UnmappedFieldError reports the first field a query references that the
// mapping does not define.
type UnmappedFieldError struct {
	Field string
}

func (e *UnmappedFieldError) Error() string {
	return fmt.Sprintf("%s: no mapping found for field [%s]", apperrors.ErrUnmappedField, e.Field)
}

func (e *UnmappedFieldError) Unwrap() error {
	return apperrors.ErrUnmappedField
}

// QueryBuildError reports a query that references a mapped field in a way
// the field's type cannot serve.
type QueryBuildError struct {
	Field  string
	Reason string
}

func (e *QueryBuildError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", apperrors.ErrQueryBuild, e.Reason)
	}
	return fmt.Sprintf("%s: field [%s]: %s", apperrors.ErrQueryBuild, e.Field, e.Reason)
}

func (e *QueryBuildError) Unwrap() error {
	return apperrors.ErrQueryBuild
}

// Options control how Lower treats fields.
type Options struct {
	// MapUnmappedFieldsAsString makes unmapped fields behave as analyzed text
	// fields for the query being lowered. The registry is never changed.
	MapUnmappedFieldsAsString bool
}

// Lower checks every field q references against reg and returns the query
// as the index would execute it: match queries are analyzed into terms and
// phrases. q is not modified; unchanged subtrees are shared with the result.
func Lower(q query.Query, reg Registry, opts Options) (query.Query, error) {
	l := &lowerer{reg: reg, opts: opts}
	return l.lower(q)
}

type lowerer struct {
	reg  Registry
	opts Options
}

// ephemeralString is the type an unmapped field takes when mapping unmapped
// fields as strings.
func ephemeralString(name string) FieldType {
	return FieldType{
		Name:      name,
		Type:      TypeText,
		Analyzer:  analysis.Standard,
		Indexed:   true,
		Positions: true,
	}
}

func (l *lowerer) resolve(name string) (FieldType, error) {
	ft, ok := l.reg.Field(name)
	if !ok {
		if l.opts.MapUnmappedFieldsAsString {
			return ephemeralString(name), nil
		}
		return FieldType{}, &UnmappedFieldError{Field: name}
	}
	if !ft.Searchable() {
		return FieldType{}, &QueryBuildError{
			Field:  name,
			Reason: fmt.Sprintf("field of type [%s] is not searchable", ft.Type),
		}
	}
	return ft, nil
}

func (l *lowerer) lower(q query.Query) (query.Query, error) {
	switch v := q.(type) {
	case nil:
		return nil, &QueryBuildError{Reason: "query is missing a clause"}
	case *query.TermQuery:
		if _, err := l.resolve(v.Field); err != nil {
			return nil, err
		}
		return v, nil
	case *query.PhraseQuery:
		ft, err := l.resolve(v.Field)
		if err != nil {
			return nil, err
		}
		if !ft.Positions {
			return nil, &QueryBuildError{Field: v.Field, Reason: "field was indexed without position data"}
		}
		if len(v.Values) == 0 {
			return nil, &QueryBuildError{Field: v.Field, Reason: "phrase has no terms"}
		}
		return v, nil
	case *query.BoolQuery:
		return l.lowerBool(v)
	case *query.ConstantScoreQuery:
		inner, err := l.lower(v.Inner)
		if err != nil {
			return nil, err
		}
		if inner == v.Inner {
			return v, nil
		}
		return &query.ConstantScoreQuery{Inner: inner}, nil
	case *query.BoostQuery:
		inner, err := l.lower(v.Inner)
		if err != nil {
			return nil, err
		}
		if inner == v.Inner {
			return v, nil
		}
		return &query.BoostQuery{Inner: inner, Boost: v.Boost}, nil
	case *query.MatchAllQuery:
		return v, nil
	case *query.OpaqueQuery:
		return l.lowerOpaque(v)
	default:
		return nil, &QueryBuildError{Reason: fmt.Sprintf("unsupported query type %T", q)}
	}
}

func (l *lowerer) lowerBool(b *query.BoolQuery) (query.Query, error) {
	changed := false
	lowerAll := func(in []query.Query) ([]query.Query, error) {
		if len(in) == 0 {
			return in, nil
		}
		out := make([]query.Query, len(in))
		for i, c := range in {
			lc, err := l.lower(c)
			if err != nil {
				return nil, err
			}
			if lc != c {
				changed = true
			}
			out[i] = lc
		}
		return out, nil
	}
	must, err := lowerAll(b.Must)
	if err != nil {
		return nil, err
	}
	should, err := lowerAll(b.Should)
	if err != nil {
		return nil, err
	}
	mustNot, err := lowerAll(b.MustNot)
	if err != nil {
		return nil, err
	}
	if !changed {
		return b, nil
	}
	return &query.BoolQuery{
		Must:               must,
		Should:             should,
		MustNot:            mustNot,
		MinimumShouldMatch: b.MinimumShouldMatch,
	}, nil
}

func (l *lowerer) lowerOpaque(o *query.OpaqueQuery) (query.Query, error) {
	switch o.Tag {
	case query.TagMatchNone:
		return o, nil
	case query.TagTermsLookup:
		return nil, &QueryBuildError{Field: o.Field, Reason: "terms lookup was not resolved before lowering"}
	}
	if o.Field == "" {
		return o, nil
	}
	ft, err := l.resolve(o.Field)
	if err != nil {
		return nil, err
	}
	switch o.Tag {
	case query.TagMatch:
		return l.lowerMatch(o.Field, ft, string(o.Payload))
	case query.TagMatchPhrase:
		return l.lowerMatchPhrase(o.Field, ft, string(o.Payload))
	default:
		return o, nil
	}
}

func (l *lowerer) analyze(field string, ft FieldType, text string) ([]analysis.Token, error) {
	name := ft.Analyzer
	if name == "" {
		name = analysis.Keyword
		if ft.Type == TypeText {
			name = analysis.Standard
		}
	}
	a, ok := analysis.Lookup(name)
	if !ok {
		return nil, &QueryBuildError{Field: field, Reason: fmt.Sprintf("unknown analyzer [%s]", name)}
	}
	return a.Analyze(text), nil
}

// lowerMatch turns analyzed text into a disjunction of its tokens.
func (l *lowerer) lowerMatch(field string, ft FieldType, text string) (query.Query, error) {
	tokens, err := l.analyze(field, ft, text)
	if err != nil {
		return nil, err
	}
	switch len(tokens) {
	case 0:
		return query.MatchNone(), nil
	case 1:
		return query.Term(field, tokens[0].Term), nil
	}
	should := make([]query.Query, len(tokens))
	for i, tok := range tokens {
		should[i] = query.Term(field, tok.Term)
	}
	return &query.BoolQuery{Should: should, MinimumShouldMatch: 1}, nil
}

// lowerMatchPhrase turns analyzed text into a phrase of its tokens.
func (l *lowerer) lowerMatchPhrase(field string, ft FieldType, text string) (query.Query, error) {
	tokens, err := l.analyze(field, ft, text)
	if err != nil {
		return nil, err
	}
	switch len(tokens) {
	case 0:
		return query.MatchNone(), nil
	case 1:
		return query.Term(field, tokens[0].Term), nil
	}
	if !ft.Positions {
		return nil, &QueryBuildError{Field: field, Reason: "field was indexed without position data"}
	}
	values := make([]string, len(tokens))
	for i, tok := range tokens {
		values[i] = tok.Term
	}
	return query.Phrase(field, values...), nil
}
