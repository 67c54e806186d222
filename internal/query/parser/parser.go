// Package parser reads the JSON query DSL into a query tree.
//
// A query is an object with exactly one member whose name selects the query
// type, e.g. {"term": {"title": "hello"}} or
// {"bool": {"must": [...], "should": [...], "minimum_should_match": 1}}.
package parser

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
)

// MaxDepth bounds how deeply queries may be nested.
const MaxDepth = 2048

// Parse parses a single query.
func Parse(src []byte) (query.Query, error) {
	return ParseAt(src, 0)
}

// ParseAt parses a query embedded in a larger input at offset base, so error
// offsets point into that input.
func ParseAt(src []byte, base int64) (query.Query, error) {
	return parseQuery(src, base, 1)
}

func parseQuery(raw []byte, base int64, depth int) (query.Query, error) {
	if depth > MaxDepth {
		return nil, errorf(start(raw, base), "query is nested deeper than %d levels", MaxDepth)
	}
	var (
		q    query.Query
		seen bool
	)
	err := EachMember(raw, base, func(key string, val json.RawMessage, off int64) error {
		if seen {
			return errorf(off, "query object holds more than one query, found [%s]", key)
		}
		seen = true
		var err error
		q, err = parseTyped(key, val, off, depth)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, errorf(start(raw, base), "query object is empty")
	}
	return q, nil
}

func parseTyped(kind string, raw []byte, off int64, depth int) (query.Query, error) {
	switch kind {
	case "term":
		return parseTerm(raw, off)
	case "terms":
		return parseTerms(raw, off)
	case "phrase":
		return parsePhrase(raw, off)
	case query.TagMatch, query.TagMatchPhrase:
		return parseMatch(kind, raw, off)
	case "bool":
		return parseBool(raw, off, depth)
	case "constant_score":
		return parseConstantScore(raw, off, depth)
	case "boost":
		return parseBoost(raw, off, depth)
	case "match_all":
		return parseMatchAll(raw, off)
	case query.TagMatchNone:
		if err := EachMember(raw, off, func(key string, _ json.RawMessage, o int64) error {
			return errorf(o, "[match_none] query does not support [%s]", key)
		}); err != nil {
			return nil, err
		}
		return query.MatchNone(), nil
	case query.TagExists:
		return parseExists(raw, off)
	case query.TagRange, query.TagPrefix, query.TagWildcard, query.TagRegexp:
		return parseFieldOpaque(kind, raw, off)
	default:
		return nil, errorf(off, "unknown query [%s]", kind)
	}
}

func withBoost(q query.Query, boost float32, set bool) query.Query {
	if !set {
		return q
	}
	return &query.BoostQuery{Inner: q, Boost: boost}
}

func parseBoostValue(raw []byte, off int64) (float32, error) {
	f, err := number(raw, off)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxFloat32 {
		return 0, errorf(start(raw, off), "boost %v is out of range", f)
	}
	if f == 0 {
		return 0, nil
	}
	return float32(f), nil
}

func parseTerm(raw []byte, off int64) (query.Query, error) {
	field, val, voff, err := singleField(raw, off, "term")
	if err != nil {
		return nil, err
	}
	if firstByte(val) != '{' {
		v, err := scalar(val, voff)
		if err != nil {
			return nil, err
		}
		return query.Term(field, v), nil
	}

	var (
		value    string
		hasValue bool
		boost    float32
		hasBoost bool
	)
	err = EachMember(val, voff, func(key string, v json.RawMessage, o int64) error {
		var err error
		switch key {
		case "value":
			value, err = scalar(v, o)
			hasValue = true
		case "boost":
			boost, err = parseBoostValue(v, o)
			hasBoost = true
		default:
			err = errorf(o, "[term] query does not support [%s]", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !hasValue {
		return nil, errorf(start(val, voff), "[term] query on [%s] requires a value", field)
	}
	return withBoost(query.Term(field, value), boost, hasBoost), nil
}

func parseTerms(raw []byte, off int64) (query.Query, error) {
	field, val, voff, err := singleField(raw, off, "terms")
	if err != nil {
		return nil, err
	}
	if firstByte(val) == '{' {
		return parseTermsLookup(field, val, voff)
	}

	var should []query.Query
	err = EachElement(val, voff, func(v json.RawMessage, o int64) error {
		s, err := scalar(v, o)
		if err != nil {
			return err
		}
		should = append(should, query.Term(field, s))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(should) == 0 {
		return query.MatchNone(), nil
	}
	return &query.BoolQuery{Should: should, MinimumShouldMatch: 1}, nil
}

func parseTermsLookup(field string, raw []byte, off int64) (query.Query, error) {
	var lookup query.TermsLookup
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		var err error
		switch key {
		case "index":
			lookup.Index, err = str(v, o)
		case "id":
			lookup.ID, err = scalar(v, o)
		case "path":
			lookup.Path, err = str(v, o)
		default:
			err = errorf(o, "[terms] lookup does not support [%s]", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if lookup.Index == "" || lookup.ID == "" || lookup.Path == "" {
		return nil, errorf(start(raw, off), "[terms] lookup on [%s] requires index, id and path", field)
	}
	payload, err := json.Marshal(lookup)
	if err != nil {
		return nil, &ParseError{Offset: off, Msg: "encoding terms lookup", Err: err}
	}
	return &query.OpaqueQuery{Tag: query.TagTermsLookup, Field: field, Payload: payload}, nil
}

func parsePhrase(raw []byte, off int64) (query.Query, error) {
	field, val, voff, err := singleField(raw, off, "phrase")
	if err != nil {
		return nil, err
	}
	var values []string
	err = EachElement(val, voff, func(v json.RawMessage, o int64) error {
		s, err := scalar(v, o)
		if err != nil {
			return err
		}
		values = append(values, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errorf(voff, "[phrase] query on [%s] requires at least one term", field)
	}
	return query.Phrase(field, values...), nil
}

// parseMatch keeps the query text as the payload; it is analyzed once the
// field's mapping is known.
func parseMatch(kind string, raw []byte, off int64) (query.Query, error) {
	field, val, voff, err := singleField(raw, off, kind)
	if err != nil {
		return nil, err
	}
	var text string
	if firstByte(val) == '{' {
		seen := false
		err = EachMember(val, voff, func(key string, v json.RawMessage, o int64) error {
			if key != "query" {
				return errorf(o, "[%s] query does not support [%s]", kind, key)
			}
			seen = true
			var err error
			text, err = scalar(v, o)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !seen {
			return nil, errorf(voff, "[%s] query on [%s] requires a query text", kind, field)
		}
	} else if text, err = scalar(val, voff); err != nil {
		return nil, err
	}
	return &query.OpaqueQuery{Tag: kind, Field: field, Payload: []byte(text)}, nil
}

// clauses parses a single query or an array of queries.
func clauses(raw []byte, off int64, depth int) ([]query.Query, error) {
	if firstByte(raw) == '{' {
		q, err := parseQuery(raw, off, depth+1)
		if err != nil {
			return nil, err
		}
		return []query.Query{q}, nil
	}
	var out []query.Query
	err := EachElement(raw, off, func(v json.RawMessage, o int64) error {
		q, err := parseQuery(v, o, depth+1)
		if err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	return out, err
}

func parseMinimumShouldMatch(raw []byte, off int64) (int, error) {
	s, err := scalar(raw, off)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errorf(start(raw, off), "minimum_should_match [%s] is not an integer", s)
	}
	return n, nil
}

func parseBool(raw []byte, off int64, depth int) (query.Query, error) {
	var (
		b        query.BoolQuery
		filters  []query.Query
		msm      int
		hasMSM   bool
		boost    float32
		hasBoost bool
	)
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		var (
			cs  []query.Query
			err error
		)
		switch key {
		case "must":
			cs, err = clauses(v, o, depth)
			b.Must = append(b.Must, cs...)
		case "should":
			cs, err = clauses(v, o, depth)
			b.Should = append(b.Should, cs...)
		case "must_not":
			cs, err = clauses(v, o, depth)
			b.MustNot = append(b.MustNot, cs...)
		case "filter":
			cs, err = clauses(v, o, depth)
			filters = append(filters, cs...)
		case "minimum_should_match":
			msm, err = parseMinimumShouldMatch(v, o)
			hasMSM = true
		case "boost":
			boost, err = parseBoostValue(v, o)
			hasBoost = true
		default:
			err = errorf(o, "[bool] query does not support [%s]", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, f := range filters {
		b.Must = append(b.Must, &query.ConstantScoreQuery{Inner: f})
	}
	switch {
	case !hasMSM:
		// Without required clauses at least one should clause has to match.
		if len(b.Should) > 0 && len(b.Must) == 0 {
			msm = 1
		}
	case msm < 0:
		msm = max(0, len(b.Should)+msm)
	}
	b.MinimumShouldMatch = msm
	return withBoost(&b, boost, hasBoost), nil
}

func parseConstantScore(raw []byte, off int64, depth int) (query.Query, error) {
	var (
		inner    query.Query
		boost    float32
		hasBoost bool
	)
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		var err error
		switch key {
		case "filter":
			inner, err = parseQuery(v, o, depth+1)
		case "boost":
			boost, err = parseBoostValue(v, o)
			hasBoost = true
		default:
			err = errorf(o, "[constant_score] query does not support [%s]", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, errorf(start(raw, off), "[constant_score] requires a filter")
	}
	return withBoost(&query.ConstantScoreQuery{Inner: inner}, boost, hasBoost), nil
}

func parseBoost(raw []byte, off int64, depth int) (query.Query, error) {
	var (
		inner    query.Query
		boost    float32
		hasBoost bool
	)
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		var err error
		switch key {
		case "query":
			inner, err = parseQuery(v, o, depth+1)
		case "boost":
			boost, err = parseBoostValue(v, o)
			hasBoost = true
		default:
			err = errorf(o, "[boost] query does not support [%s]", key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if inner == nil || !hasBoost {
		return nil, errorf(start(raw, off), "[boost] requires a query and a boost")
	}
	return &query.BoostQuery{Inner: inner, Boost: boost}, nil
}

func parseMatchAll(raw []byte, off int64) (query.Query, error) {
	var (
		boost    float32
		hasBoost bool
	)
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		if key != "boost" {
			return errorf(o, "[match_all] query does not support [%s]", key)
		}
		var err error
		boost, err = parseBoostValue(v, o)
		hasBoost = true
		return err
	})
	if err != nil {
		return nil, err
	}
	return withBoost(&query.MatchAllQuery{}, boost, hasBoost), nil
}

func parseExists(raw []byte, off int64) (query.Query, error) {
	var field string
	err := EachMember(raw, off, func(key string, v json.RawMessage, o int64) error {
		if key != "field" {
			return errorf(o, "[exists] query does not support [%s]", key)
		}
		var err error
		field, err = str(v, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	if field == "" {
		return nil, errorf(start(raw, off), "[exists] query requires a field")
	}
	return &query.OpaqueQuery{Tag: query.TagExists, Field: field}, nil
}

// parseFieldOpaque keeps a field-level query the percolator does not analyse,
// storing its parameters as compact JSON.
func parseFieldOpaque(kind string, raw []byte, off int64) (query.Query, error) {
	field, val, voff, err := singleField(raw, off, kind)
	if err != nil {
		return nil, err
	}
	payload, err := compact(val, voff)
	if err != nil {
		return nil, err
	}
	return &query.OpaqueQuery{Tag: kind, Field: field, Payload: payload}, nil
}
