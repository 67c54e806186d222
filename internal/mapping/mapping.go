// Package mapping holds the field definitions percolator queries are checked
// against, and lowers registered queries into the form terms are extracted
// from.
package mapping

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/analysis"
)

// Field type constants.
const (
	TypeText       = "text"
	TypeKeyword    = "keyword"
	TypeStoredOnly = "stored_only"
	TypePercolator = "percolator"
)

// Mapping limits.
const (
	MaxFields          = 256
	MaxFieldNameLength = 255
)

var (
	ErrDuplicateField    = errors.New("duplicate field name")
	ErrInvalidType       = errors.New("invalid field type")
	ErrInvalidAnalyzer   = errors.New("invalid analyzer")
	ErrFieldLimit        = errors.New("mapping exceeds maximum field count")
	ErrFieldNameTooLong  = errors.New("field name exceeds maximum length")
	ErrInvalidFieldName  = errors.New("invalid field name")
	ErrPositionsNotText  = errors.New("positions only allowed on text fields")
	ErrStoredOnlyIndexed = errors.New("stored_only fields cannot be indexed")
)

// FieldType describes how a field is indexed.
type FieldType struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Analyzer  string `yaml:"analyzer,omitempty"`
	Indexed   bool   `yaml:"indexed"`
	Positions bool   `yaml:"positions,omitempty"`
}

// Searchable reports whether queries can be served from the field's index.
func (f FieldType) Searchable() bool {
	return f.Indexed && f.Type != TypeStoredOnly && f.Type != TypePercolator
}

// Registry resolves field names to their types. Implementations must be safe
// for concurrent reads.
type Registry interface {
	Field(name string) (FieldType, bool)
}

// Mapping is an immutable set of field definitions.
type Mapping struct {
	fields []FieldType
	byName map[string]int
}

type mappingFile struct {
	Fields []FieldType `yaml:"fields"`
}

// New validates fields and builds a Mapping. Text fields without an analyzer
// get the standard one.
func New(fields ...FieldType) (*Mapping, error) {
	if len(fields) > MaxFields {
		return nil, fmt.Errorf("%w: %d fields (max %d)", ErrFieldLimit, len(fields), MaxFields)
	}
	m := &Mapping{
		fields: make([]FieldType, 0, len(fields)),
		byName: make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Type == TypeText && f.Analyzer == "" {
			f.Analyzer = analysis.Standard
		}
		if err := validateField(f); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		if _, dup := m.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		m.byName[f.Name] = len(m.fields)
		m.fields = append(m.fields, f)
	}
	return m, nil
}

// Load reads a YAML mapping file of the form `fields: [{name, type, ...}]`.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file %s: %w", path, err)
	}
	var mf mappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}
	m, err := New(mf.Fields...)
	if err != nil {
		return nil, fmt.Errorf("validating mapping file %s: %w", path, err)
	}
	return m, nil
}

// Field returns the definition of name.
func (m *Mapping) Field(name string) (FieldType, bool) {
	i, ok := m.byName[name]
	if !ok {
		return FieldType{}, false
	}
	return m.fields[i], true
}

// Fields returns a copy of all definitions in declaration order.
func (m *Mapping) Fields() []FieldType {
	out := make([]FieldType, len(m.fields))
	copy(out, m.fields)
	return out
}

func validateField(f FieldType) error {
	if f.Name == "" {
		return ErrInvalidFieldName
	}
	if len(f.Name) > MaxFieldNameLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFieldNameTooLong, len(f.Name), MaxFieldNameLength)
	}
	for i := 0; i < len(f.Name); i++ {
		// 0x00 separates field and value in extracted terms.
		if f.Name[i] == 0 {
			return fmt.Errorf("%w: contains a NUL byte", ErrInvalidFieldName)
		}
	}
	switch f.Type {
	case TypeText, TypeKeyword, TypeStoredOnly, TypePercolator:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, f.Type)
	}
	if f.Analyzer != "" {
		if _, ok := analysis.Lookup(f.Analyzer); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidAnalyzer, f.Analyzer)
		}
	}
	if f.Positions && f.Type != TypeText {
		return ErrPositionsNotText
	}
	if f.Type == TypeStoredOnly && f.Indexed {
		return ErrStoredOnlyIndexed
	}
	return nil
}
