package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
)

// Reader serves lookups from one segment file. It is safe for concurrent use.
type Reader struct {
	file     *os.File
	filePath string
	header   SegmentHeader
	dict     Dictionary
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	r, err := openReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func openReader(f *os.File, path string) (*Reader, error) {
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	header := decodeHeader(headerBytes)
	if header.Magic != MagicBytes {
		return nil, fmt.Errorf("invalid segment file: bad magic bytes %x", header.Magic)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported segment version %d", header.Version)
	}

	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, header.DictOffset+header.DictSize); err != nil {
		return nil, fmt.Errorf("reading segment footer: %w", err)
	}
	dictBytes := make([]byte, header.DictSize)
	if _, err := f.ReadAt(dictBytes, header.DictOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	if got, want := crc32.ChecksumIEEE(dictBytes), binary.LittleEndian.Uint32(footer[0:4]); got != want {
		return nil, fmt.Errorf("dictionary checksum mismatch: got %08x, want %08x", got, want)
	}
	var dict Dictionary
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}
	return &Reader{
		file:     f,
		filePath: path,
		header:   header,
		dict:     dict,
	}, nil
}

// Search returns the ids of records indexed under the encoded term.
func (r *Reader) Search(term []byte) ([]string, error) {
	idx := sort.Search(len(r.dict.Terms), func(i int) bool {
		return bytes.Compare(r.dict.Terms[i].Term, term) >= 0
	})
	if idx >= len(r.dict.Terms) || !bytes.Equal(r.dict.Terms[idx].Term, term) {
		return nil, nil
	}
	return r.readPostings(r.dict.Terms[idx])
}

// Unknown returns the ids of records carrying the unknown marker.
func (r *Reader) Unknown() ([]string, error) {
	return r.readPostings(r.dict.Unknown)
}

func (r *Reader) readPostings(entry DictEntry) ([]string, error) {
	data := make([]byte, entry.PostLen)
	if _, err := r.file.ReadAt(data, r.header.PostOffset+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(data); err != nil {
		return nil, fmt.Errorf("parsing postings: %w", err)
	}
	ids := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		doc := int(it.Next())
		if doc >= len(r.dict.Docs) {
			return nil, fmt.Errorf("posting references document %d of %d", doc, len(r.dict.Docs))
		}
		ids = append(ids, r.dict.Docs[doc].ID)
	}
	return ids, nil
}

// Get reads the record stored under id.
func (r *Reader) Get(id string) (index.Record, bool, error) {
	idx := sort.Search(len(r.dict.Docs), func(i int) bool {
		return r.dict.Docs[i].ID >= id
	})
	if idx >= len(r.dict.Docs) || r.dict.Docs[idx].ID != id {
		return index.Record{}, false, nil
	}
	entry := r.dict.Docs[idx]
	data := make([]byte, entry.Len)
	if _, err := r.file.ReadAt(data, r.header.DocsOffset+entry.Offset); err != nil {
		return index.Record{}, false, fmt.Errorf("reading record %q: %w", id, err)
	}
	var rec index.Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return index.Record{}, false, fmt.Errorf("decoding record %q: %w", id, err)
	}
	return rec, true, nil
}

// IDs returns the ids of all records in the segment, sorted.
func (r *Reader) IDs() []string {
	ids := make([]string, len(r.dict.Docs))
	for i, d := range r.dict.Docs {
		ids[i] = d.ID
	}
	return ids
}

func (r *Reader) Name() string {
	return filepath.Base(r.filePath)
}

func (r *Reader) Terms() int {
	return len(r.dict.Terms)
}

func (r *Reader) DocCount() uint32 {
	return r.header.DocCount
}

func (r *Reader) Close() error {
	return r.file.Close()
}
