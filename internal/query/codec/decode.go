package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
)

// pending is a composite node still waiting for some of its children.
type pending struct {
	q      query.Query
	must   int
	should int
	filled int
	total  int
}

func (p *pending) attach(child query.Query) {
	switch v := p.q.(type) {
	case *query.BoolQuery:
		switch {
		case p.filled < p.must:
			v.Must = append(v.Must, child)
		case p.filled < p.must+p.should:
			v.Should = append(v.Should, child)
		default:
			v.MustNot = append(v.MustNot, child)
		}
	case *query.ConstantScoreQuery:
		v.Inner = child
	case *query.BoostQuery:
		v.Inner = child
	}
	p.filled++
}

// Deserialize decodes a blob produced by Serialize.
func Deserialize(blob []byte) (query.Query, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptBlob)
	}
	if blob[0] != Version1 {
		return nil, &BlobVersionError{Tag: blob[0]}
	}

	r := bytes.NewReader(blob[1:])
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(r)

	var stack []*pending
	for {
		q, total, err := decodeNode(dec, r.Len())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
		}
		if total > 0 {
			p := &pending{q: q, total: total}
			if b, ok := q.(*query.BoolQuery); ok {
				p.must, p.should = cap(b.Must), cap(b.Should)
			}
			stack = append(stack, p)
			continue
		}
		// q is complete: hand it to its parent, closing every parent it
		// completes on the way up.
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			top.attach(q)
			if top.filled < top.total {
				break
			}
			q = top.q
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			if r.Len() > 0 {
				return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptBlob, r.Len())
			}
			return q, nil
		}
	}
}

// decodeNode reads one node and returns how many children follow it.
// remaining bounds child counts so a corrupt header cannot force a huge
// allocation.
func decodeNode(dec *msgpack.Decoder, remaining int) (query.Query, int, error) {
	kind, err := dec.DecodeUint8()
	if err != nil {
		return nil, 0, fmt.Errorf("reading node kind: %w", err)
	}
	switch query.Kind(kind) {
	case query.KindTerm:
		field, err := dec.DecodeString()
		if err != nil {
			return nil, 0, err
		}
		value, err := decodeBytes(dec)
		if err != nil {
			return nil, 0, err
		}
		return &query.TermQuery{Field: field, Value: value}, 0, nil
	case query.KindPhrase:
		field, err := dec.DecodeString()
		if err != nil {
			return nil, 0, err
		}
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, 0, err
		}
		if n < 0 || n > remaining {
			return nil, 0, fmt.Errorf("phrase length %d out of range", n)
		}
		values := make([][]byte, n)
		for i := range values {
			if values[i], err = decodeBytes(dec); err != nil {
				return nil, 0, err
			}
		}
		return &query.PhraseQuery{Field: field, Values: values}, 0, nil
	case query.KindBool:
		var counts [4]int
		for i := range counts {
			n, err := dec.DecodeInt()
			if err != nil {
				return nil, 0, err
			}
			counts[i] = n
		}
		msm, must, should, mustNot := counts[0], counts[1], counts[2], counts[3]
		if must < 0 || should < 0 || mustNot < 0 ||
			must > remaining || should > remaining || mustNot > remaining ||
			must+should+mustNot > remaining {
			return nil, 0, fmt.Errorf("bool clause counts %d/%d/%d out of range", must, should, mustNot)
		}
		b := &query.BoolQuery{MinimumShouldMatch: msm}
		if must > 0 {
			b.Must = make([]query.Query, 0, must)
		}
		if should > 0 {
			b.Should = make([]query.Query, 0, should)
		}
		if mustNot > 0 {
			b.MustNot = make([]query.Query, 0, mustNot)
		}
		return b, must + should + mustNot, nil
	case query.KindConstantScore:
		return &query.ConstantScoreQuery{}, 1, nil
	case query.KindBoost:
		boost, err := dec.DecodeFloat32()
		if err != nil {
			return nil, 0, err
		}
		return &query.BoostQuery{Boost: boost}, 1, nil
	case query.KindMatchAll:
		return &query.MatchAllQuery{}, 0, nil
	case query.KindOpaque:
		tag, err := dec.DecodeString()
		if err != nil {
			return nil, 0, err
		}
		field, err := dec.DecodeString()
		if err != nil {
			return nil, 0, err
		}
		payload, err := decodeBytes(dec)
		if err != nil {
			return nil, 0, err
		}
		return &query.OpaqueQuery{Tag: tag, Field: field, Payload: payload}, 0, nil
	default:
		return nil, 0, fmt.Errorf("unknown node kind %d", kind)
	}
}

func decodeBytes(dec *msgpack.Decoder) ([]byte, error) {
	b, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}
