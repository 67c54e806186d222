// Package percolator stores queries as documents. When a document holding a
// query is ingested, the query is rewritten, checked against the mapping and
// serialized, and the terms a matching document must contain are extracted,
// so later percolation can skip queries that cannot match.
package percolator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/mapping"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query/codec"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/tracing"
)

// ContentType is the mapping type name of a percolator field.
const ContentType = mapping.TypePercolator

// Sub-field suffixes of a percolator field.
const (
	ExtractedTermsSuffix = ".extracted_terms"
	UnknownQuerySuffix   = ".unknown_query"
	QueryBlobSuffix      = ".query_blob"
)

// FieldType names the percolator field and the three fields it emits.
type FieldType struct {
	Name string
}

func (t FieldType) TermsField() string   { return t.Name + ExtractedTermsSuffix }
func (t FieldType) UnknownField() string { return t.Name + UnknownQuerySuffix }
func (t FieldType) BlobField() string    { return t.Name + QueryBlobSuffix }

// unknownSentinel is the single value of the unknown field.
var unknownSentinel = []byte{}

// WriterConfig holds what a FieldWriter needs beyond its field type.
type WriterConfig struct {
	Rewriter query.Rewriter
	Mapping  mapping.Registry
	Options  mapping.Options
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// FieldWriter emits the percolator fields of a document. It keeps scratch
// state between calls and must not be used by more than one goroutine at a
// time.
type FieldWriter struct {
	fieldType FieldType
	cfg       WriterConfig
	scratch   []Field
}

// NewFieldWriter returns a FieldWriter for ft. A nil Rewriter resolves
// nothing and only simplifies the query.
func NewFieldWriter(ft FieldType, cfg WriterConfig) *FieldWriter {
	if cfg.Rewriter == nil {
		cfg.Rewriter = query.NewRewriter(nil)
	}
	return &FieldWriter{
		fieldType: ft,
		cfg:       cfg,
	}
}

// FieldType returns the field the writer emits for.
func (w *FieldWriter) FieldType() FieldType {
	return w.fieldType
}

func (w *FieldWriter) checkDuplicate(doc *Document) error {
	if doc.Has(w.fieldType.BlobField()) {
		return fmt.Errorf("%w: document %q, field [%s]", apperrors.ErrDuplicatePercolatorQuery, doc.ID, w.fieldType.Name)
	}
	return nil
}

// WriteRecord stores q in doc. On success doc gains the query blob plus
// either the extracted terms or the unknown marker. On any failure, or if ctx
// is done before the fields are committed, doc is left unchanged.
func (w *FieldWriter) WriteRecord(ctx context.Context, doc *Document, q query.Query) error {
	if err := w.checkDuplicate(doc); err != nil {
		return err
	}
	w.scratch = w.scratch[:0]
	defer func() { w.scratch = w.scratch[:0] }()

	start := time.Now()
	rctx, span := tracing.StartChild(ctx, "rewrite")
	rewritten, err := w.cfg.Rewriter.Rewrite(rctx, q)
	span.End(err)
	if m := w.cfg.Metrics; m != nil {
		m.RewriteDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if !errors.Is(err, apperrors.ErrRewrite) {
			err = fmt.Errorf("%w: %w", apperrors.ErrRewrite, err)
		}
		return err
	}

	_, span = tracing.StartChild(ctx, "lower")
	lowered, err := mapping.Lower(rewritten, w.cfg.Mapping, w.cfg.Options)
	span.End(err)
	if err != nil {
		return err
	}

	_, span = tracing.StartChild(ctx, "serialize")
	blob, err := codec.Serialize(rewritten)
	span.SetAttr("blob_size", len(blob))
	span.End(err)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrQueryBuild, err)
	}
	w.scratch = append(w.scratch, Field{Name: w.fieldType.BlobField(), Value: blob, Options: DocValue})

	_, span = tracing.StartChild(ctx, "extract")
	terms := extract.Extract(lowered)
	hasTerms := terms.Complete && terms.Len() > 0
	span.SetAttr("terms", terms.Len())
	span.End(nil)
	if hasTerms {
		for _, t := range terms.Encoded() {
			w.scratch = append(w.scratch, Field{Name: w.fieldType.TermsField(), Value: t, Options: Indexed})
		}
	} else {
		w.scratch = append(w.scratch, Field{Name: w.fieldType.UnknownField(), Value: unknownSentinel, Options: Indexed})
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("writing percolator record for %q: %w", doc.ID, err)
	}
	doc.add(w.scratch...)

	if m := w.cfg.Metrics; m != nil {
		m.QueryBlobBytes.Observe(float64(len(blob)))
		if hasTerms {
			m.ExtractionsTotal.WithLabelValues(metrics.ExtractionTerms).Inc()
			m.ExtractedTermsCount.Observe(float64(terms.Len()))
		} else {
			m.ExtractionsTotal.WithLabelValues(metrics.ExtractionUnknown).Inc()
		}
	}
	logger.FromContext(ctx).Debug("percolator record written",
		"component", "percolator-field-writer",
		"doc_id", doc.ID,
		"terms", terms.Len(),
		"unknown", !hasTerms,
		"blob_size", len(blob),
	)
	return nil
}
