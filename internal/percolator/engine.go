package percolator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/mapping"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/segment"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query/codec"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/tracing"
)

// RecordStore durably mirrors accepted records.
type RecordStore interface {
	Save(ctx context.Context, rec index.Record) error
	// Get returns apperrors.ErrDocumentNotFound for unknown ids.
	Get(ctx context.Context, id string) (index.Record, error)
}

// EventPublisher announces accepted records. *kafka.Producer implements it.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// RegisteredEvent is published once per accepted record.
type RegisteredEvent struct {
	ID           string    `json:"id"`
	Terms        int       `json:"terms"`
	Unknown      bool      `json:"unknown"`
	BlobSize     int       `json:"blob_size"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StoredQuery is a registered record with its query decoded.
type StoredQuery struct {
	Record index.Record
	Query  query.Query
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore mirrors every accepted record to s before it becomes visible.
func WithStore(s RecordStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithPublisher announces accepted records through p.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records registration and index metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine registers percolator documents and serves their stored records.
// Accepted records live in a memory index until flushed to segment files.
type Engine struct {
	cfg       config.PercolatorConfig
	fieldType FieldType
	writers   sync.Pool
	memIndex  *index.MemoryIndex
	writer    *segment.Writer
	readers   []*segment.Reader
	newest    map[string]int
	readerMu  sync.RWMutex
	flushMu   sync.Mutex
	store     RecordStore
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEngine opens the engine's data directory, loading any existing
// segments. Queries are checked against reg and rewritten by rewriter.
func NewEngine(cfg config.PercolatorConfig, reg mapping.Registry, rewriter query.Rewriter, opts ...Option) (*Engine, error) {
	if ft, ok := reg.Field(cfg.FieldName); ok && ft.Type != ContentType {
		return nil, fmt.Errorf("percolator field [%s] is mapped as [%s]", cfg.FieldName, ft.Type)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating percolator data directory: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		fieldType: FieldType{Name: cfg.FieldName},
		memIndex:  index.NewMemoryIndex(),
		writer:    segment.NewWriter(cfg.DataDir),
		newest:    make(map[string]int),
		logger:    slog.Default().With("component", "percolator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	wcfg := WriterConfig{
		Rewriter: rewriter,
		Mapping:  reg,
		Options:  mapping.Options{MapUnmappedFieldsAsString: cfg.MapUnmappedFieldsAsString},
		Metrics:  e.metrics,
	}
	e.writers.New = func() any {
		return NewFieldWriter(e.fieldType, wcfg)
	}
	if err := e.loadExistingSegments(); err != nil {
		return nil, fmt.Errorf("loading existing segments: %w", err)
	}
	return e, nil
}

// FieldType returns the percolator field the engine reads queries from.
func (e *Engine) FieldType() FieldType {
	return e.fieldType
}

// Register parses source, writes its percolator record and makes the record
// visible. Registering an existing id replaces its record. Nothing is
// stored if any step fails or ctx is done before the record is written.
func (e *Engine) Register(ctx context.Context, id string, source []byte) (index.Record, error) {
	if id == "" {
		return index.Record{}, fmt.Errorf("%w: document id is required", apperrors.ErrInvalidInput)
	}
	log := logger.FromContext(ctx).With("component", "percolator", "doc_id", id)
	traceID, _ := logger.RequestID(ctx)
	ctx, span := tracing.Start(ctx, "percolator.register", traceID)
	defer span.Log(ctx, log)

	w := e.writers.Get().(*FieldWriter)
	doc, err := ParseDocument(ctx, w, id, source)
	e.writers.Put(w)
	span.End(err)
	if err != nil {
		e.countRegistration(err)
		log.Warn("percolator document rejected", "error", err)
		return index.Record{}, err
	}
	rec := e.recordFrom(doc)

	if e.store != nil {
		if err := e.store.Save(ctx, rec); err != nil {
			e.countRegistration(err)
			return index.Record{}, fmt.Errorf("saving percolator record %q: %w", id, err)
		}
	}
	e.memIndex.Add(rec)
	e.countRegistration(nil)
	if e.metrics != nil {
		e.metrics.IndexedQueries.Set(float64(e.memIndex.DocCount()))
	}
	log.Info("percolator query registered",
		"terms", len(rec.Terms),
		"unknown", rec.Unknown,
	)

	if e.publisher != nil {
		event := kafka.Event{Key: id, Value: RegisteredEvent{
			ID:           id,
			Terms:        len(rec.Terms),
			Unknown:      rec.Unknown,
			BlobSize:     len(rec.QueryBlob),
			RegisteredAt: time.Now().UTC(),
		}}
		if err := e.publisher.Publish(ctx, event); err != nil {
			log.Error("failed to publish registration event", "error", err)
		}
	}

	if e.memIndex.Size() >= e.cfg.SegmentMaxSize {
		e.logger.Info("memory index reached max size, flushing to disk",
			"size", e.memIndex.Size(),
			"threshold", e.cfg.SegmentMaxSize,
		)
		if err := e.Flush(); err != nil {
			return rec, fmt.Errorf("flushing memory index: %w", err)
		}
	}
	return rec, nil
}

// Restore makes rec visible without writing it to the store. It is used to
// rebuild the index from the store when no segments were found on disk.
func (e *Engine) Restore(rec index.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record without id", apperrors.ErrInvalidInput)
	}
	e.memIndex.Add(rec)
	if e.memIndex.Size() >= e.cfg.SegmentMaxSize {
		return e.Flush()
	}
	return nil
}

// SegmentCount returns the number of segments open for reading.
func (e *Engine) SegmentCount() int {
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	return len(e.readers)
}

func (e *Engine) recordFrom(doc *Document) index.Record {
	rec := index.Record{
		ID:      doc.ID,
		Terms:   doc.Values(e.fieldType.TermsField()),
		Unknown: doc.Has(e.fieldType.UnknownField()),
	}
	if blobs := doc.Values(e.fieldType.BlobField()); len(blobs) > 0 {
		rec.QueryBlob = blobs[0]
	}
	return rec
}

func (e *Engine) countRegistration(err error) {
	if e.metrics == nil {
		return
	}
	status := metrics.StatusAccepted
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrDuplicatePercolatorQuery):
		status = metrics.StatusDuplicate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = metrics.StatusCancelled
	case errors.Is(err, apperrors.ErrRewrite):
		status = metrics.StatusRewrite
	case apperrors.IsClientError(err):
		status = metrics.StatusInvalid
	default:
		status = metrics.StatusError
	}
	e.metrics.QueriesRegisteredTotal.WithLabelValues(status).Inc()
}

// Get returns the latest record registered under id with its decoded query.
// A blob written in an unknown layout fails with a *codec.BlobVersionError.
func (e *Engine) Get(ctx context.Context, id string) (*StoredQuery, error) {
	rec, ok, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: percolator query %q", apperrors.ErrDocumentNotFound, id)
	}
	q, err := codec.Deserialize(rec.QueryBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding percolator query %q: %w", id, err)
	}
	return &StoredQuery{Record: rec, Query: q}, nil
}

func (e *Engine) lookup(ctx context.Context, id string) (index.Record, bool, error) {
	if rec, ok := e.memIndex.Get(id); ok {
		return rec, true, nil
	}
	e.readerMu.RLock()
	i, ok := e.newest[id]
	var reader *segment.Reader
	if ok {
		reader = e.readers[i]
	}
	e.readerMu.RUnlock()
	if reader != nil {
		rec, found, err := reader.Get(id)
		if err != nil {
			return index.Record{}, false, fmt.Errorf("reading segment %s: %w", reader.Name(), err)
		}
		if found {
			return rec, true, nil
		}
	}
	if e.store == nil {
		return index.Record{}, false, nil
	}
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrDocumentNotFound) {
		return index.Record{}, false, nil
	}
	if err != nil {
		return index.Record{}, false, err
	}
	return rec, true, nil
}

// Search returns the ids of queries whose latest record was indexed under
// term, sorted.
func (e *Engine) Search(term extract.Term) ([]string, error) {
	return e.collect(func(m *index.MemoryIndex) []string {
		return m.Search(term.Encode())
	}, func(r *segment.Reader) ([]string, error) {
		return r.Search(term.Encode())
	})
}

// Unknown returns the ids of queries whose latest record carries the unknown
// marker, sorted.
func (e *Engine) Unknown() ([]string, error) {
	return e.collect((*index.MemoryIndex).Unknown, (*segment.Reader).Unknown)
}

func (e *Engine) collect(mem func(*index.MemoryIndex) []string, seg func(*segment.Reader) ([]string, error)) ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range mem(e.memIndex) {
		seen[id] = struct{}{}
	}
	e.readerMu.RLock()
	readers := make([]*segment.Reader, len(e.readers))
	copy(readers, e.readers)
	e.readerMu.RUnlock()

	for i, reader := range readers {
		ids, err := seg(reader)
		if err != nil {
			return nil, fmt.Errorf("searching segment %s: %w", reader.Name(), err)
		}
		for _, id := range ids {
			if _, inMemory := e.memIndex.Get(id); inMemory || !e.isNewest(id, i) {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) isNewest(id string, reader int) bool {
	e.readerMu.RLock()
	defer e.readerMu.RUnlock()
	return e.newest[id] == reader
}

// Flush writes the memory index to a new segment.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	snapshot := e.memIndex.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	segmentName, err := e.writer.Write(snapshot)
	if err != nil {
		e.countFlush("error")
		return fmt.Errorf("writing segment: %w", err)
	}

	segPath := filepath.Join(e.cfg.DataDir, segmentName)
	reader, err := segment.OpenReader(segPath)
	if err != nil {
		e.countFlush("error")
		return fmt.Errorf("opening new segment for reading: %w", err)
	}
	e.readerMu.Lock()
	e.addReader(reader)
	active := len(e.readers)
	e.readerMu.Unlock()
	e.memIndex.Remove(snapshot)

	e.countFlush("success")
	if e.metrics != nil {
		e.metrics.ActiveSegments.Set(float64(active))
		e.metrics.IndexedQueries.Set(float64(e.memIndex.DocCount()))
	}
	e.logger.Info("segment flushed",
		"segment", segmentName,
		"terms", reader.Terms(),
		"docs", reader.DocCount(),
		"active_segments", active,
	)
	return nil
}

// addReader appends reader and marks it as holding the latest version of
// its records. The caller holds readerMu.
func (e *Engine) addReader(reader *segment.Reader) {
	e.readers = append(e.readers, reader)
	for _, id := range reader.IDs() {
		e.newest[id] = len(e.readers) - 1
	}
}

func (e *Engine) countFlush(status string) {
	if e.metrics != nil {
		e.metrics.IndexFlushesTotal.WithLabelValues(status).Inc()
	}
}

func (e *Engine) StartFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("flush loop stopping, performing final flush")
				if err := e.Flush(); err != nil {
					e.logger.Error("final flush failed", "error", err)
				}
				return
			case <-ticker.C:
				if e.memIndex.DocCount() > 0 {
					if err := e.Flush(); err != nil {
						e.logger.Error("periodic flush failed", "error", err)
					}
				}
			}
		}
	}()
}

func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		e.logger.Error("final flush on close failed", "error", err)
	}
	e.readerMu.Lock()
	defer e.readerMu.Unlock()
	for _, reader := range e.readers {
		if err := reader.Close(); err != nil {
			e.logger.Error("closing segment reader", "error", err)
		}
	}
	e.readers = nil
	e.newest = make(map[string]int)
	return nil
}

// loadExistingSegments opens segments in name order, which is creation
// order, so later segments hold the latest version of a record.
func (e *Engine) loadExistingSegments() error {
	entries, err := os.ReadDir(e.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading data directory: %w", err)
	}
	segFiles := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), segment.FileExt) {
			segFiles = append(segFiles, entry.Name())
		}
	}
	sort.Strings(segFiles)

	for _, name := range segFiles {
		path := filepath.Join(e.cfg.DataDir, name)
		reader, err := segment.OpenReader(path)
		if err != nil {
			e.logger.Error("failed to open segment, skipping",
				"segment", name,
				"error", err,
			)
			continue
		}
		e.addReader(reader)
		e.logger.Info("loaded existing segment",
			"segment", name,
			"terms", reader.Terms(),
			"docs", reader.DocCount(),
		)
	}
	if e.metrics != nil {
		e.metrics.ActiveSegments.Set(float64(len(e.readers)))
	}
	e.logger.Info("segment recovery complete", "segments_loaded", len(e.readers))
	return nil
}
