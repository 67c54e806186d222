// Package index keeps accepted percolator records in memory: docs-only
// postings for the extracted-terms and unknown fields, and the query blob of
// every record by id.
package index

// Record is everything one accepted percolator document stores.
type Record struct {
	ID string `msgpack:"id" json:"id"`
	// Terms are encoded pre-filter terms (field 0x00 value), sorted.
	Terms     [][]byte `msgpack:"terms" json:"terms"`
	Unknown   bool     `msgpack:"unknown" json:"unknown"`
	QueryBlob []byte   `msgpack:"blob" json:"query_blob"`
}

// size estimates the memory a record holds.
func (r Record) size() int64 {
	n := int64(len(r.ID) + len(r.QueryBlob) + 64)
	for _, t := range r.Terms {
		n += int64(len(t)) + 8
	}
	return n
}
