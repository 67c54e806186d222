// Package segment writes flushed percolator records to immutable files and
// reads them back.
//
// Layout: a 64-byte header, the records section (one msgpack record per
// document, in id order), the postings section (one serialized roaring
// bitmap of document numbers per term, then the unknown bitmap), a JSON
// dictionary and a 32-byte footer holding the dictionary checksum.
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
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
)

// MagicBytes identifies a valid segment file.
const (
	MagicBytes    uint32 = 0x5052434C
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	FooterSize    int    = 32
	FileExt              = ".pseg"
)

// SegmentHeader is the 64-byte header written at the start of every segment.
type SegmentHeader struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	DictOffset int64
	DictSize   int64
	PostOffset int64
	PostSize   int64
	DocsOffset int64
	DocsSize   int64
}

func (h SegmentHeader) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.DictSize))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.DocsOffset))
	binary.LittleEndian.PutUint64(b[56:64], uint64(h.DocsSize))
	return b
}

func decodeHeader(b []byte) SegmentHeader {
	return SegmentHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		TermCount:  binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		DictOffset: int64(binary.LittleEndian.Uint64(b[16:24])),
		DictSize:   int64(binary.LittleEndian.Uint64(b[24:32])),
		PostOffset: int64(binary.LittleEndian.Uint64(b[32:40])),
		PostSize:   int64(binary.LittleEndian.Uint64(b[40:48])),
		DocsOffset: int64(binary.LittleEndian.Uint64(b[48:56])),
		DocsSize:   int64(binary.LittleEndian.Uint64(b[56:64])),
	}
}

// DictEntry maps an encoded term to its posting bitmap and document
// frequency. Offsets are relative to the postings section.
type DictEntry struct {
	Term       []byte `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// DocEntry locates one record. Offsets are relative to the records section.
type DocEntry struct {
	ID     string `json:"id"`
	Offset int64  `json:"o"`
	Len    int    `json:"l"`
}

// Dictionary is the JSON index at the end of a segment.
type Dictionary struct {
	Terms   []DictEntry `json:"terms"`
	Docs    []DocEntry  `json:"docs"`
	Unknown DictEntry   `json:"unknown"`
}

// Writer serialises records into new segment files.
type Writer struct {
	dataDir string
}

// NewWriter creates a Writer that writes segments into the given directory.
func NewWriter(dataDir string) *Writer {
	return &Writer{dataDir: dataDir}
}

// Write atomically creates a new segment file holding records, which must
// have distinct ids. It writes to a .tmp file first and renames on success.
func (w *Writer) Write(records []index.Record) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("cannot write empty segment")
	}
	records = append([]index.Record(nil), records...)
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	segmentName := fmt.Sprintf("seg_%d%s", time.Now().UnixNano(), FileExt)
	finalPath := filepath.Join(w.dataDir, segmentName)
	tmpPath := finalPath + ".tmp"

	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return "", fmt.Errorf("creating segment directory: %w", err)
	}

	docs, docEntries, err := encodeRecords(records)
	if err != nil {
		return "", err
	}
	postings, dictEntries, unknown, err := encodePostings(records)
	if err != nil {
		return "", err
	}
	dictData, err := json.Marshal(Dictionary{Terms: dictEntries, Docs: docEntries, Unknown: unknown})
	if err != nil {
		return "", fmt.Errorf("marshaling dictionary: %w", err)
	}

	header := SegmentHeader{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		TermCount:  uint32(len(dictEntries)),
		DocCount:   uint32(len(records)),
		DocsOffset: int64(HeaderSize),
		DocsSize:   int64(len(docs)),
	}
	header.PostOffset = header.DocsOffset + header.DocsSize
	header.PostSize = int64(len(postings))
	header.DictOffset = header.PostOffset + header.PostSize
	header.DictSize = int64(len(dictData))

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint32(footer[4:8], crc32.ChecksumIEEE(docs))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(header.DictOffset))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(header.DictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(header.PostSize))

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp segment file: %w", err)
	}
	defer f.Close()
	for _, section := range [][]byte{header.encode(), docs, postings, dictData, footer} {
		if _, err := f.Write(section); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("writing segment %s: %w", segmentName, err)
		}
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing segment file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming segment file: %w", err)
	}
	return segmentName, nil
}

func encodeRecords(records []index.Record) ([]byte, []DocEntry, error) {
	var buf bytes.Buffer
	entries := make([]DocEntry, 0, len(records))
	for i, rec := range records {
		if i > 0 && records[i-1].ID == rec.ID {
			return nil, nil, fmt.Errorf("duplicate record id %q in segment", rec.ID)
		}
		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling record %q: %w", rec.ID, err)
		}
		entries = append(entries, DocEntry{ID: rec.ID, Offset: int64(buf.Len()), Len: len(data)})
		buf.Write(data)
	}
	return buf.Bytes(), entries, nil
}

func encodePostings(records []index.Record) ([]byte, []DictEntry, DictEntry, error) {
	byTerm := make(map[string]*roaring.Bitmap)
	unknown := roaring.New()
	for doc, rec := range records {
		for _, t := range rec.Terms {
			bm, ok := byTerm[string(t)]
			if !ok {
				bm = roaring.New()
				byTerm[string(t)] = bm
			}
			bm.Add(uint32(doc))
		}
		if rec.Unknown {
			unknown.Add(uint32(doc))
		}
	}
	terms := make([]string, 0, len(byTerm))
	for t := range byTerm {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	var buf bytes.Buffer
	dict := make([]DictEntry, 0, len(terms))
	for _, t := range terms {
		bm := byTerm[t]
		bm.RunOptimize()
		data, err := bm.ToBytes()
		if err != nil {
			return nil, nil, DictEntry{}, fmt.Errorf("serializing postings for term %q: %w", t, err)
		}
		dict = append(dict, DictEntry{
			Term:       []byte(t),
			PostOffset: int64(buf.Len()),
			PostLen:    len(data),
			DocFreq:    int(bm.GetCardinality()),
		})
		buf.Write(data)
	}

	data, err := unknown.ToBytes()
	if err != nil {
		return nil, nil, DictEntry{}, fmt.Errorf("serializing unknown postings: %w", err)
	}
	unknownEntry := DictEntry{
		PostOffset: int64(buf.Len()),
		PostLen:    len(data),
		DocFreq:    int(unknown.GetCardinality()),
	}
	buf.Write(data)
	return buf.Bytes(), dict, unknownEntry, nil
}
