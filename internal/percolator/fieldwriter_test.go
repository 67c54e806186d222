package percolator

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/mapping"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/tracing"
)

type rewriterFunc func(ctx context.Context, q query.Query) (query.Query, error)

func (f rewriterFunc) Rewrite(ctx context.Context, q query.Query) (query.Query, error) {
	return f(ctx, q)
}

func testRegistry(t *testing.T) *mapping.Mapping {
	t.Helper()
	m, err := mapping.New(
		mapping.FieldType{Name: "query", Type: mapping.TypePercolator},
		mapping.FieldType{Name: "title", Type: mapping.TypeText, Indexed: true, Positions: true},
		mapping.FieldType{Name: "body", Type: mapping.TypeText, Indexed: true, Positions: true},
		mapping.FieldType{Name: "a", Type: mapping.TypeKeyword, Indexed: true},
		mapping.FieldType{Name: "b", Type: mapping.TypeKeyword, Indexed: true},
		mapping.FieldType{Name: "t", Type: mapping.TypeKeyword, Indexed: true},
	)
	require.NoError(t, err)
	return m
}

func newTestWriter(t *testing.T, cfg WriterConfig) *FieldWriter {
	t.Helper()
	if cfg.Mapping == nil {
		cfg.Mapping = testRegistry(t)
	}
	return NewFieldWriter(FieldType{Name: "query"}, cfg)
}

func stringValues(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func TestWriteRecordScenarios(t *testing.T) {
	tests := []struct {
		name    string
		q       query.Query
		terms   []string
		unknown bool
	}{
		{
			name:  "term",
			q:     query.Term("title", "hello"),
			terms: []string{"title\x00hello"},
		},
		{
			name:  "phrase",
			q:     query.Phrase("body", "quick", "brown", "fox"),
			terms: []string{"body\x00brown", "body\x00fox", "body\x00quick"},
		},
		{
			name: "must keeps the longer term",
			q: &query.BoolQuery{Must: []query.Query{
				query.Term("a", "x"),
				query.Term("b", "yy"),
			}},
			terms: []string{"b\x00yy"},
		},
		{
			name: "should union",
			q: &query.BoolQuery{Should: []query.Query{
				query.Term("t", "p"),
				query.Term("t", "q"),
			}, MinimumShouldMatch: 1},
			terms: []string{"t\x00p", "t\x00q"},
		},
		{
			name: "should with match_all",
			q: &query.BoolQuery{Should: []query.Query{
				query.Term("t", "p"),
				&query.MatchAllQuery{},
			}, MinimumShouldMatch: 1},
			unknown: true,
		},
		{
			name:    "match_all",
			q:       &query.MatchAllQuery{},
			unknown: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(t, WriterConfig{})
			doc := NewDocument("q1", nil)
			require.NoError(t, w.WriteRecord(context.Background(), doc, tt.q))

			ft := w.FieldType()
			blobs := doc.Values(ft.BlobField())
			require.Len(t, blobs, 1)
			stored, err := codec.Deserialize(blobs[0])
			require.NoError(t, err)
			assert.True(t, query.Equal(query.Simplify(tt.q), stored), "stored %s", query.String(stored))

			if tt.unknown {
				assert.False(t, doc.Has(ft.TermsField()))
				assert.Equal(t, [][]byte{{}}, doc.Values(ft.UnknownField()))
				assert.Len(t, doc.Fields(), 2)
			} else {
				assert.False(t, doc.Has(ft.UnknownField()))
				assert.ElementsMatch(t, tt.terms, stringValues(doc.Values(ft.TermsField())))
				assert.Len(t, doc.Fields(), 1+len(tt.terms))
			}
		})
	}
}

func TestWriteRecordFieldOptions(t *testing.T) {
	w := newTestWriter(t, WriterConfig{})
	doc := NewDocument("q1", nil)
	require.NoError(t, w.WriteRecord(context.Background(), doc, query.Term("title", "hello")))
	for _, f := range doc.Fields() {
		switch f.Name {
		case "query.query_blob":
			assert.Equal(t, DocValue, f.Options)
		case "query.extracted_terms":
			assert.Equal(t, Indexed, f.Options)
		default:
			t.Fatalf("unexpected field %q", f.Name)
		}
	}
}

func TestWriteRecordTracesStages(t *testing.T) {
	w := newTestWriter(t, WriterConfig{})
	ctx, root := tracing.Start(context.Background(), "register", "req-1")
	require.NoError(t, w.WriteRecord(ctx, NewDocument("q1", nil), query.Term("title", "hello")))

	var names []string
	for _, child := range root.Children {
		names = append(names, child.Name)
		assert.NoError(t, child.Err)
	}
	assert.Equal(t, []string{"rewrite", "lower", "serialize", "extract"}, names)
	terms, ok := root.Children[3].Attr("terms")
	require.True(t, ok)
	assert.Equal(t, 1, terms)
}

func TestWriteRecordDeepQuery(t *testing.T) {
	const levels = 1024
	var q query.Query = query.Term("title", "hello")
	for i := 0; i < levels; i++ {
		if i%2 == 0 {
			q = &query.BoolQuery{Must: []query.Query{q, query.Term("a", "x")}}
		} else {
			q = &query.BoostQuery{Inner: q, Boost: 2}
		}
	}

	w := newTestWriter(t, WriterConfig{})
	doc := NewDocument("deep", nil)
	require.NoError(t, w.WriteRecord(context.Background(), doc, q))

	ft := w.FieldType()
	assert.Equal(t, []string{"title\x00hello"}, stringValues(doc.Values(ft.TermsField())))
	assert.False(t, doc.Has(ft.UnknownField()))

	blobs := doc.Values(ft.BlobField())
	require.Len(t, blobs, 1)
	got, err := codec.Deserialize(blobs[0])
	require.NoError(t, err)
	assert.Equal(t, levels+1, query.Depth(got))
	assert.True(t, query.Equal(query.Simplify(q), got))
}

func TestWriteRecordDuplicate(t *testing.T) {
	w := newTestWriter(t, WriterConfig{})
	doc := NewDocument("q1", nil)
	require.NoError(t, w.WriteRecord(context.Background(), doc, query.Term("title", "hello")))
	before := doc.Fields()

	err := w.WriteRecord(context.Background(), doc, query.Term("title", "world"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePercolatorQuery)
	assert.Equal(t, before, doc.Fields())
}

func TestWriteRecordFailuresEmitNothing(t *testing.T) {
	cause := errors.New("lookup store unreachable")
	tests := []struct {
		name     string
		cfg      WriterConfig
		q        query.Query
		want     error
		wantBoth error
	}{
		{
			name: "rewrite failure",
			cfg: WriterConfig{Rewriter: rewriterFunc(func(context.Context, query.Query) (query.Query, error) {
				return nil, cause
			})},
			q:        query.Term("title", "hello"),
			want:     apperrors.ErrRewrite,
			wantBoth: cause,
		},
		{
			name: "unmapped field",
			q:    query.Term("author", "jane"),
			want: apperrors.ErrUnmappedField,
		},
		{
			name: "phrase on keyword field",
			q:    query.Phrase("a", "x", "y"),
			want: apperrors.ErrQueryBuild,
		},
		{
			name: "unresolved lookup without a source",
			q:    &query.OpaqueQuery{Tag: query.TagTermsLookup, Field: "t", Payload: []byte(`{"index":"i","id":"1","path":"p"}`)},
			want: apperrors.ErrRewrite,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(t, tt.cfg)
			doc := NewDocument("q1", nil)
			err := w.WriteRecord(context.Background(), doc, tt.q)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			if tt.wantBoth != nil {
				assert.ErrorIs(t, err, tt.wantBoth)
			}
			assert.Empty(t, doc.Fields())
		})
	}
}

func TestWriteRecordCancelledDuringRewrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWriter(t, WriterConfig{Rewriter: rewriterFunc(func(_ context.Context, q query.Query) (query.Query, error) {
		cancel()
		return q, nil
	})})
	doc := NewDocument("q1", nil)

	err := w.WriteRecord(ctx, doc, query.Term("title", "hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, doc.Fields())

	// The scratch state must not leak into the next record.
	doc2 := NewDocument("q2", nil)
	require.NoError(t, w.WriteRecord(context.Background(), doc2, query.Term("a", "x")))
	assert.Equal(t, []string{"a\x00x"}, stringValues(doc2.Values(w.FieldType().TermsField())))
}

func TestWriteRecordMapUnmappedFieldsAsString(t *testing.T) {
	w := newTestWriter(t, WriterConfig{Options: mapping.Options{MapUnmappedFieldsAsString: true}})
	doc := NewDocument("q1", nil)
	q := &query.OpaqueQuery{Tag: query.TagMatch, Field: "author", Payload: []byte("Jane")}
	require.NoError(t, w.WriteRecord(context.Background(), doc, q))
	assert.Equal(t, []string{"author\x00jane"}, stringValues(doc.Values(w.FieldType().TermsField())))

	// The stored blob keeps the query as written, not its analyzed form.
	stored, err := codec.Deserialize(doc.Values(w.FieldType().BlobField())[0])
	require.NoError(t, err)
	assert.True(t, query.Equal(q, stored))
}

func TestWriteRecordMetrics(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	w := newTestWriter(t, WriterConfig{Metrics: m})

	require.NoError(t, w.WriteRecord(context.Background(), NewDocument("q1", nil), query.Term("title", "hello")))
	require.NoError(t, w.WriteRecord(context.Background(), NewDocument("q2", nil), &query.MatchAllQuery{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues(metrics.ExtractionTerms)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsTotal.WithLabelValues(metrics.ExtractionUnknown)))
}
