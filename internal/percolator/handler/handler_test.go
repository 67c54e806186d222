package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

type fakeService struct {
	registered map[string][]byte
	registerFn func(id string, source []byte) (index.Record, error)
	stored     map[string]*percolator.StoredQuery
	getErr     error
	postings   map[string][]string
	unknown    []string
	searchErr  error
}

func (f *fakeService) Register(_ context.Context, id string, source []byte) (index.Record, error) {
	if f.registered == nil {
		f.registered = make(map[string][]byte)
	}
	f.registered[id] = source
	if f.registerFn != nil {
		return f.registerFn(id, source)
	}
	return index.Record{ID: id, Terms: [][]byte{[]byte("title\x00hello")}, QueryBlob: []byte{0x01, 0x02, 0x03}}, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*percolator.StoredQuery, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	sq, ok := f.stored[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrDocumentNotFound, id)
	}
	return sq, nil
}

func (f *fakeService) Search(term extract.Term) ([]string, error) {
	return f.postings[string(term.Encode())], f.searchErr
}

func (f *fakeService) Unknown() ([]string, error) {
	return f.unknown, f.searchErr
}

func newServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	New(svc).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestCreate(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/percolator", `{"query": {"term": {"title": "hello"}}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	got := decode[RegisterResponse](t, resp)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 1, got.Terms)
	assert.False(t, got.Unknown)
	assert.Equal(t, 3, got.BlobSize)
	assert.Contains(t, svc.registered, got.ID)
}

func TestPut(t *testing.T) {
	svc := &fakeService{}
	srv := newServer(t, svc)

	body := `{"query": {"match_all": {}}}`
	resp := do(t, http.MethodPut, srv.URL+"/api/v1/percolator/q-42", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[RegisterResponse](t, resp)
	assert.Equal(t, "q-42", got.ID)
	assert.Equal(t, body, string(svc.registered["q-42"]))
}

func TestRegisterErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "parse", err: fmt.Errorf("%w at offset 12: unknown query [fuzzy]", apperrors.ErrParse), status: http.StatusBadRequest, message: "unknown query [fuzzy]"},
		{name: "duplicate", err: apperrors.ErrDuplicatePercolatorQuery, status: http.StatusConflict, message: "one percolator query"},
		{name: "unmapped", err: fmt.Errorf("%w: [author]", apperrors.ErrUnmappedField), status: http.StatusBadRequest, message: "[author]"},
		{name: "rewrite", err: fmt.Errorf("%w: redis down", apperrors.ErrRewrite), status: http.StatusBadGateway, message: "registration failed"},
		{name: "internal", err: errors.New("disk on fire"), status: http.StatusInternalServerError, message: "registration failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{registerFn: func(string, []byte) (index.Record, error) {
				return index.Record{}, tt.err
			}}
			srv := newServer(t, svc)

			resp := do(t, http.MethodPut, srv.URL+"/api/v1/percolator/q1", `{}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.Contains(t, body["error"], tt.message)
			if tt.status >= http.StatusInternalServerError {
				assert.NotContains(t, body["error"], "redis")
				assert.NotContains(t, body["error"], "disk")
			}
		})
	}
}

func TestRegisterBodyTooLarge(t *testing.T) {
	svc := &fakeService{}
	mux := http.NewServeMux()
	New(svc).Routes(mux)

	big := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/percolator/q1", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, svc.registered)
}

func TestGet(t *testing.T) {
	svc := &fakeService{stored: map[string]*percolator.StoredQuery{
		"q1": {
			Record: index.Record{ID: "q1", Terms: [][]byte{[]byte("body\x00fox"), []byte("title\x00go")}},
			Query:  &query.BoolQuery{Must: []query.Query{query.Term("body", "fox"), query.Term("title", "go")}},
		},
	}}
	srv := newServer(t, svc)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/percolator/q1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[QueryResponse](t, resp)
	assert.Equal(t, "q1", got.ID)
	assert.Equal(t, "(+body:fox +title:go)", got.Query)
	assert.Equal(t, []string{"body:fox", "title:go"}, got.Terms)
	assert.False(t, got.Unknown)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/percolator/missing", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetBlobVersionError(t *testing.T) {
	srv := newServer(t, &fakeService{getErr: fmt.Errorf("decoding segment /data/seg-1: %w", apperrors.ErrBlobVersion)})
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/percolator/q1", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "reading percolator query failed", body["error"])
}

func TestSearch(t *testing.T) {
	svc := &fakeService{
		postings: map[string][]string{"title\x00hello": {"q1", "q2"}},
		unknown:  []string{"q3"},
	}
	srv := newServer(t, svc)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/percolator/_search?field=title&value=hello", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SearchResponse](t, resp)
	assert.Equal(t, SearchResponse{Total: 2, IDs: []string{"q1", "q2"}}, got)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/percolator/_search?unknown=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[SearchResponse](t, resp)
	assert.Equal(t, SearchResponse{Total: 1, IDs: []string{"q3"}}, got)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/percolator/_search?field=title&value=nothing", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decode[SearchResponse](t, resp)
	assert.Equal(t, SearchResponse{Total: 0, IDs: []string{}}, got)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/percolator/_search", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchFailure(t *testing.T) {
	srv := newServer(t, &fakeService{searchErr: errors.New("segment unreadable")})
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/percolator/_search?unknown=true", "")
	body := decode[map[string]string](t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "search failed", body["error"])
}
