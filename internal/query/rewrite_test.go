package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

type fakeSource struct {
	terms map[string][]string
	err   error
	calls int
}

func (f *fakeSource) LookupTerms(_ context.Context, l TermsLookup) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.terms[l.String()], nil
}

func lookupNode(t *testing.T, field string, l TermsLookup) *OpaqueQuery {
	t.Helper()
	payload, err := json.Marshal(l)
	require.NoError(t, err)
	return &OpaqueQuery{Tag: TagTermsLookup, Field: field, Payload: payload}
}

func TestRewriteResolvesLookup(t *testing.T) {
	src := &fakeSource{terms: map[string][]string{
		"users/1/tags": {"rust", "go", "go"},
	}}
	r := NewRewriter(src)
	q := &BoolQuery{Must: []Query{
		Term("status", "active"),
		lookupNode(t, "tags", TermsLookup{Index: "users", ID: "1", Path: "tags"}),
	}}

	got, err := r.Rewrite(context.Background(), q)
	require.NoError(t, err)
	want := &BoolQuery{Must: []Query{
		Term("status", "active"),
		&BoolQuery{Should: []Query{Term("tags", "go"), Term("tags", "rust")}, MinimumShouldMatch: 1},
	}}
	assert.True(t, Equal(want, got), "got %s", String(got))
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, TagTermsLookup, q.Must[1].(*OpaqueQuery).Tag, "input must not be modified")
}

func TestRewriteEmptyLookupMatchesNothing(t *testing.T) {
	r := NewRewriter(&fakeSource{})
	got, err := r.Rewrite(context.Background(), lookupNode(t, "tags", TermsLookup{Index: "i", ID: "d", Path: "p"}))
	require.NoError(t, err)
	assert.True(t, Equal(MatchNone(), got))
}

func TestRewriteErrors(t *testing.T) {
	node := func(t *testing.T) Query {
		return &BoostQuery{Inner: lookupNode(t, "tags", TermsLookup{Index: "i", ID: "d", Path: "p"}), Boost: 1}
	}

	t.Run("source failure", func(t *testing.T) {
		cause := errors.New("connection refused")
		_, err := NewRewriter(&fakeSource{err: cause}).Rewrite(context.Background(), node(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrRewrite)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("no source", func(t *testing.T) {
		_, err := NewRewriter(nil).Rewrite(context.Background(), node(t))
		assert.ErrorIs(t, err, apperrors.ErrRewrite)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := &fakeSource{}
		_, err := NewRewriter(src).Rewrite(ctx, node(t))
		assert.ErrorIs(t, err, apperrors.ErrRewrite)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, src.calls)
	})

	t.Run("malformed payload", func(t *testing.T) {
		q := &OpaqueQuery{Tag: TagTermsLookup, Field: "tags", Payload: []byte("{")}
		_, err := NewRewriter(&fakeSource{}).Rewrite(context.Background(), q)
		assert.ErrorIs(t, err, apperrors.ErrRewrite)
	})
}

func TestRewriteWithoutLookupsOnlySimplifies(t *testing.T) {
	q := &BoolQuery{Must: []Query{Term("f", "v")}}
	got, err := NewRewriter(nil).Rewrite(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, Equal(Term("f", "v"), got))
}

func TestSimplify(t *testing.T) {
	a, b, c := Term("f", "a"), Term("f", "b"), Term("f", "c")
	tests := []struct {
		name string
		in   Query
		want Query
	}{
		{
			name: "single must unwrapped",
			in:   &BoolQuery{Must: []Query{a}},
			want: a,
		},
		{
			name: "single should with msm 1 unwrapped",
			in:   &BoolQuery{Should: []Query{a}, MinimumShouldMatch: 1},
			want: a,
		},
		{
			name: "single should with msm 0 kept",
			in:   &BoolQuery{Should: []Query{a}},
			want: &BoolQuery{Should: []Query{a}},
		},
		{
			name: "nested must flattened",
			in: &BoolQuery{Must: []Query{
				a,
				&BoolQuery{Must: []Query{b, c}},
			}},
			want: &BoolQuery{Must: []Query{a, b, c}},
		},
		{
			name: "nested disjunction flattened",
			in: &BoolQuery{Should: []Query{
				a,
				&BoolQuery{Should: []Query{b, c}, MinimumShouldMatch: 1},
			}, MinimumShouldMatch: 1},
			want: &BoolQuery{Should: []Query{a, b, c}, MinimumShouldMatch: 1},
		},
		{
			name: "nested disjunction kept when two must match",
			in: &BoolQuery{Should: []Query{
				a,
				&BoolQuery{Should: []Query{b, c}, MinimumShouldMatch: 1},
			}, MinimumShouldMatch: 2},
			want: &BoolQuery{Should: []Query{
				a,
				&BoolQuery{Should: []Query{b, c}, MinimumShouldMatch: 1},
			}, MinimumShouldMatch: 2},
		},
		{
			name: "inner bool with must_not kept",
			in: &BoolQuery{Must: []Query{
				a,
				&BoolQuery{Must: []Query{b}, MustNot: []Query{c}},
			}},
			want: &BoolQuery{Must: []Query{
				a,
				&BoolQuery{Must: []Query{b}, MustNot: []Query{c}},
			}},
		},
		{
			name: "match_all dropped next to other must clauses",
			in:   &BoolQuery{Must: []Query{&MatchAllQuery{}, a}, MustNot: []Query{b}},
			want: &BoolQuery{Must: []Query{a}, MustNot: []Query{b}},
		},
		{
			name: "lone match_all kept",
			in:   &BoolQuery{Must: []Query{&MatchAllQuery{}, &MatchAllQuery{}}, MustNot: []Query{b}},
			want: &BoolQuery{Must: []Query{&MatchAllQuery{}}, MustNot: []Query{b}},
		},
		{
			name: "nested constant_score collapsed",
			in:   &ConstantScoreQuery{Inner: &ConstantScoreQuery{Inner: a}},
			want: &ConstantScoreQuery{Inner: a},
		},
		{
			name: "boost keeps wrapper",
			in:   &BoostQuery{Inner: &BoolQuery{Must: []Query{a}}, Boost: 3},
			want: &BoostQuery{Inner: a, Boost: 3},
		},
		{
			name: "bottom up",
			in: &BoolQuery{Must: []Query{
				&BoolQuery{Must: []Query{&BoolQuery{Must: []Query{a}}, b}},
			}},
			want: &BoolQuery{Must: []Query{a, b}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Simplify(tt.in)
			assert.True(t, Equal(tt.want, got), "want %s, got %s", String(tt.want), String(got))
		})
	}
}

func TestSimplifyDoesNotModifyInput(t *testing.T) {
	in := &BoolQuery{Must: []Query{
		&MatchAllQuery{},
		&BoolQuery{Must: []Query{Term("f", "a"), Term("f", "b")}},
	}}
	before := String(in)
	Simplify(in)
	assert.Equal(t, before, String(in))
}
