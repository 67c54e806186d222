package percolator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

// ParseDocument reads a JSON source document and writes the percolator
// record for the query held under w's field name. The source must be an
// object; other members are kept in the source only. A member holding an
// array of queries, or the field appearing twice, writes one record per
// query, so every query after the first fails as a duplicate.
//
// On error no document is returned.
func ParseDocument(ctx context.Context, w *FieldWriter, id string, source []byte) (*Document, error) {
	doc := NewDocument(id, source)
	name := w.FieldType().Name
	found := false

	err := parser.EachMember(source, 0, func(key string, val json.RawMessage, off int64) error {
		if key != name {
			return nil
		}
		found = true
		if len(val) > 0 && val[0] == '[' {
			return parser.EachElement(val, off, func(elem json.RawMessage, elemOff int64) error {
				return writeQuery(ctx, w, doc, elem, elemOff)
			})
		}
		return writeQuery(ctx, w, doc, val, off)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: document %q has no [%s] field", apperrors.ErrInvalidInput, id, name)
	}
	return doc, nil
}

func writeQuery(ctx context.Context, w *FieldWriter, doc *Document, raw []byte, off int64) error {
	if err := w.checkDuplicate(doc); err != nil {
		return err
	}
	q, err := parser.ParseAt(raw, off)
	if err != nil {
		return err
	}
	return w.WriteRecord(ctx, doc, q)
}
