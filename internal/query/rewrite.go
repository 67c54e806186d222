package query

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

// TermsLookup points at a stored list of terms: the values at Path in
// document ID of Index. It is the payload of a terms_lookup node.
type TermsLookup struct {
	Index string `json:"index"`
	ID    string `json:"id"`
	Path  string `json:"path"`
}

func (l TermsLookup) String() string {
	return l.Index + "/" + l.ID + "/" + l.Path
}

// TermsSource fetches the terms a lookup points at.
type TermsSource interface {
	LookupTerms(ctx context.Context, lookup TermsLookup) ([]string, error)
}

// Rewriter resolves indirections in a query before it is stored. Rewrite may
// perform I/O; failures wrap apperrors.ErrRewrite.
type Rewriter interface {
	Rewrite(ctx context.Context, q Query) (Query, error)
}

// LookupRewriter replaces terms_lookup nodes with the terms they point at and
// then simplifies the tree.
type LookupRewriter struct {
	source TermsSource
}

// NewRewriter returns a LookupRewriter reading from source. With a nil
// source, queries containing lookups fail to rewrite.
func NewRewriter(source TermsSource) *LookupRewriter {
	return &LookupRewriter{source: source}
}

// Rewrite returns the resolved and simplified form of q. q is not modified.
func (r *LookupRewriter) Rewrite(ctx context.Context, q Query) (Query, error) {
	resolved, err := r.resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	return Simplify(resolved), nil
}

func (r *LookupRewriter) resolve(ctx context.Context, q Query) (Query, error) {
	switch v := q.(type) {
	case *OpaqueQuery:
		if v.Tag != TagTermsLookup {
			return v, nil
		}
		return r.lookup(ctx, v)
	case *BoolQuery:
		out := &BoolQuery{MinimumShouldMatch: v.MinimumShouldMatch}
		var err error
		if out.Must, err = r.resolveAll(ctx, v.Must); err != nil {
			return nil, err
		}
		if out.Should, err = r.resolveAll(ctx, v.Should); err != nil {
			return nil, err
		}
		if out.MustNot, err = r.resolveAll(ctx, v.MustNot); err != nil {
			return nil, err
		}
		return out, nil
	case *ConstantScoreQuery:
		inner, err := r.resolve(ctx, v.Inner)
		if err != nil {
			return nil, err
		}
		return &ConstantScoreQuery{Inner: inner}, nil
	case *BoostQuery:
		inner, err := r.resolve(ctx, v.Inner)
		if err != nil {
			return nil, err
		}
		return &BoostQuery{Inner: inner, Boost: v.Boost}, nil
	default:
		return q, nil
	}
}

func (r *LookupRewriter) resolveAll(ctx context.Context, qs []Query) ([]Query, error) {
	if len(qs) == 0 {
		return nil, nil
	}
	out := make([]Query, len(qs))
	for i, c := range qs {
		rc, err := r.resolve(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = rc
	}
	return out, nil
}

// lookup fetches the terms of a terms_lookup node. The terms are sorted so
// the rewritten query does not depend on the order the source returns them
// in.
func (r *LookupRewriter) lookup(ctx context.Context, o *OpaqueQuery) (Query, error) {
	var l TermsLookup
	if err := json.Unmarshal(o.Payload, &l); err != nil {
		return nil, fmt.Errorf("%w: malformed terms lookup on [%s]: %w", apperrors.ErrRewrite, o.Field, err)
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: no terms source configured for lookup [%s]", apperrors.ErrRewrite, l)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: looking up terms [%s]: %w", apperrors.ErrRewrite, l, err)
	}
	terms, err := r.source.LookupTerms(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up terms [%s]: %w", apperrors.ErrRewrite, l, err)
	}
	terms = slices.Clone(terms)
	slices.Sort(terms)
	terms = slices.Compact(terms)
	if len(terms) == 0 {
		return MatchNone(), nil
	}
	should := make([]Query, len(terms))
	for i, t := range terms {
		should[i] = Term(o.Field, t)
	}
	return &BoolQuery{Should: should, MinimumShouldMatch: 1}, nil
}

// Simplify applies structure-preserving rewrites bottom-up:
//   - a must-only boolean inside must is merged into its parent;
//   - a should-only boolean needing one match inside a should that needs one
//     match is merged into its parent;
//   - match_all is dropped from must while other must clauses remain;
//   - a boolean whose single clause is required is replaced by that clause;
//   - nested constant_score wrappers collapse into one.
//
// The result matches exactly the documents q matches. q is not modified.
func Simplify(q Query) Query {
	switch v := q.(type) {
	case *BoolQuery:
		return simplifyBool(v)
	case *ConstantScoreQuery:
		inner := Simplify(v.Inner)
		if cs, ok := inner.(*ConstantScoreQuery); ok {
			return cs
		}
		return &ConstantScoreQuery{Inner: inner}
	case *BoostQuery:
		return &BoostQuery{Inner: Simplify(v.Inner), Boost: v.Boost}
	default:
		return q
	}
}

func simplifyBool(b *BoolQuery) Query {
	var must, should, mustNot []Query
	for _, c := range b.Must {
		c = Simplify(c)
		if inner, ok := c.(*BoolQuery); ok && mustOnly(inner) {
			must = append(must, inner.Must...)
			continue
		}
		must = append(must, c)
	}
	for _, c := range b.Should {
		c = Simplify(c)
		if inner, ok := c.(*BoolQuery); ok && b.MinimumShouldMatch == 1 && anyShould(inner) {
			should = append(should, inner.Should...)
			continue
		}
		should = append(should, c)
	}
	for _, c := range b.MustNot {
		mustNot = append(mustNot, Simplify(c))
	}

	kept := must[:0:0]
	for _, c := range must {
		if c.Kind() != KindMatchAll {
			kept = append(kept, c)
		}
	}
	if len(kept) > 0 {
		must = kept
	} else if len(must) > 1 {
		must = must[:1]
	}

	if len(must) == 1 && len(should) == 0 && len(mustNot) == 0 && b.MinimumShouldMatch == 0 {
		return must[0]
	}
	if len(must) == 0 && len(should) == 1 && len(mustNot) == 0 && b.MinimumShouldMatch == 1 {
		return should[0]
	}
	return &BoolQuery{
		Must:               must,
		Should:             should,
		MustNot:            mustNot,
		MinimumShouldMatch: b.MinimumShouldMatch,
	}
}

func mustOnly(b *BoolQuery) bool {
	return len(b.Must) > 0 && len(b.Should) == 0 && len(b.MustNot) == 0 && b.MinimumShouldMatch == 0
}

// anyShould reports whether b is a pure disjunction needing a single match.
func anyShould(b *BoolQuery) bool {
	return len(b.Should) > 0 && len(b.Must) == 0 && len(b.MustNot) == 0 && b.MinimumShouldMatch == 1
}
