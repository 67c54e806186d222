// Package codec encodes query trees into the binary blob stored alongside a
// percolator document. A blob is a version byte followed by the tree's nodes
// in pre-order as a msgpack stream. Equal trees always produce identical
// blobs.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/percolator/pkg/errors"
)

// Version1 is the only blob layout written and read by this package.
const Version1 byte = 0x01

// ErrCorruptBlob is returned when a blob with a known version cannot be
// decoded.
var ErrCorruptBlob = errors.New("corrupt query blob")

// BlobVersionError reports a blob whose leading version tag is not known.
type BlobVersionError struct {
	Tag byte
}

func (e *BlobVersionError) Error() string {
	return fmt.Sprintf("%s: tag 0x%02x", apperrors.ErrBlobVersion, e.Tag)
}

func (e *BlobVersionError) Unwrap() error {
	return apperrors.ErrBlobVersion
}

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Serialize encodes q. It fails only for malformed trees, i.e. nil nodes.
func Serialize(q query.Query) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(buf)

	buf.WriteByte(Version1)
	if q == nil {
		return nil, fmt.Errorf("serializing query: nil query")
	}
	stack := []query.Query{q}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			return nil, fmt.Errorf("serializing query: nil child node")
		}
		if err := encodeNode(enc, n); err != nil {
			return nil, fmt.Errorf("serializing %s node: %w", n.Kind(), err)
		}
		children := query.Children(n)
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func encodeNode(enc *msgpack.Encoder, q query.Query) error {
	if err := enc.EncodeUint8(uint8(q.Kind())); err != nil {
		return err
	}
	switch v := q.(type) {
	case *query.TermQuery:
		if err := enc.EncodeString(v.Field); err != nil {
			return err
		}
		return enc.EncodeBytes(nonNil(v.Value))
	case *query.PhraseQuery:
		if err := enc.EncodeString(v.Field); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(v.Values)); err != nil {
			return err
		}
		for _, val := range v.Values {
			if err := enc.EncodeBytes(nonNil(val)); err != nil {
				return err
			}
		}
		return nil
	case *query.BoolQuery:
		for _, n := range []int{v.MinimumShouldMatch, len(v.Must), len(v.Should), len(v.MustNot)} {
			if err := enc.EncodeInt(int64(n)); err != nil {
				return err
			}
		}
		return nil
	case *query.ConstantScoreQuery, *query.MatchAllQuery:
		return nil
	case *query.BoostQuery:
		b := v.Boost
		if b == 0 {
			// -0 and +0 are equal boosts and must encode alike.
			b = 0
		}
		return enc.EncodeFloat32(b)
	case *query.OpaqueQuery:
		if err := enc.EncodeString(v.Tag); err != nil {
			return err
		}
		if err := enc.EncodeString(v.Field); err != nil {
			return err
		}
		return enc.EncodeBytes(nonNil(v.Payload))
	default:
		return fmt.Errorf("unsupported query type %T", q)
	}
}

// msgpack encodes a nil slice as nil rather than an empty binary; equal
// trees must encode identically regardless of which one they hold.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
