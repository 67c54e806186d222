package index

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// MemoryIndex holds records until they are flushed to a segment. Each record
// gets an ordinal; postings are roaring bitmaps of ordinals. Re-adding an id
// replaces the earlier record. Ordinals freed by Remove are reused.
type MemoryIndex struct {
	mu       sync.RWMutex
	postings map[string]*roaring.Bitmap
	unknown  *roaring.Bitmap
	records  []Record
	live     *roaring.Bitmap
	ords     map[string]uint32
	free     []uint32
	size     int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		postings: make(map[string]*roaring.Bitmap),
		unknown:  roaring.New(),
		live:     roaring.New(),
		ords:     make(map[string]uint32),
	}
}

// Add stores rec, replacing any record with the same id.
func (m *MemoryIndex) Add(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, exists := m.ords[rec.ID]
	if exists {
		m.unindex(ord)
		m.records[ord] = rec
	} else if n := len(m.free); n > 0 {
		ord = m.free[n-1]
		m.free = m.free[:n-1]
		m.ords[rec.ID] = ord
		m.records[ord] = rec
	} else {
		ord = uint32(len(m.records))
		m.ords[rec.ID] = ord
		m.records = append(m.records, rec)
	}

	for _, t := range rec.Terms {
		bm, ok := m.postings[string(t)]
		if !ok {
			bm = roaring.New()
			m.postings[string(t)] = bm
		}
		bm.Add(ord)
	}
	if rec.Unknown {
		m.unknown.Add(ord)
	}
	m.live.Add(ord)
	m.size += rec.size()
}

// unindex drops ord from every posting of its current record. The caller
// holds the write lock.
func (m *MemoryIndex) unindex(ord uint32) {
	old := m.records[ord]
	for _, t := range old.Terms {
		if bm, ok := m.postings[string(t)]; ok {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(m.postings, string(t))
			}
		}
	}
	m.unknown.Remove(ord)
	m.size -= old.size()
}

// Search returns the ids of records indexed under the encoded term, sorted.
func (m *MemoryIndex) Search(term []byte) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bm, ok := m.postings[string(term)]
	if !ok {
		return nil
	}
	return m.ids(bm)
}

// Unknown returns the ids of records carrying the unknown marker, sorted.
func (m *MemoryIndex) Unknown() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ids(m.unknown)
}

func (m *MemoryIndex) ids(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, m.records[it.Next()].ID)
	}
	sort.Strings(out)
	return out
}

// Get returns the record stored under id.
func (m *MemoryIndex) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ord, ok := m.ords[id]
	if !ok {
		return Record{}, false
	}
	return m.records[ord], true
}

// Snapshot returns every record sorted by id.
func (m *MemoryIndex) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, m.live.GetCardinality())
	it := m.live.Iterator()
	for it.HasNext() {
		out = append(out, m.records[it.Next()])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.live.GetCardinality())
}

// TermCount returns the number of distinct encoded terms indexed.
func (m *MemoryIndex) TermCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.postings)
}

// Remove drops the records whose ids are listed, used after a flush so
// records added while the segment was written are kept.
func (m *MemoryIndex) Remove(flushed []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range flushed {
		ord, ok := m.ords[rec.ID]
		if !ok || !sameRecord(m.records[ord], rec) {
			continue
		}
		m.unindex(ord)
		m.live.Remove(ord)
		delete(m.ords, rec.ID)
		m.records[ord] = Record{}
		m.free = append(m.free, ord)
	}
	if m.live.IsEmpty() {
		m.records = nil
		m.free = nil
	}
}

// sameRecord reports whether a and b are the same stored version. Records
// are immutable once added, so comparing blobs by identity is enough.
func sameRecord(a, b Record) bool {
	if len(a.QueryBlob) != len(b.QueryBlob) {
		return false
	}
	return len(a.QueryBlob) == 0 || &a.QueryBlob[0] == &b.QueryBlob[0]
}
