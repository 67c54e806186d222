package percolator

// FieldOptions says how an emitted field value is kept.
type FieldOptions uint8

const (
	// Indexed values go to the inverted index with document postings only.
	Indexed FieldOptions = 1 << iota
	// DocValue values are stored as a column retrievable by document id.
	DocValue
)

// Field is one emitted field value.
type Field struct {
	Name    string
	Value   []byte
	Options FieldOptions
}

// Document is a document being ingested: its source and the field values
// emitted for it so far.
type Document struct {
	ID     string
	Source []byte
	fields []Field
}

// NewDocument returns an empty document for source.
func NewDocument(id string, source []byte) *Document {
	return &Document{ID: id, Source: source}
}

// Has reports whether any value was emitted for name.
func (d *Document) Has(name string) bool {
	for _, f := range d.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Values returns every value emitted for name, in emission order.
func (d *Document) Values(name string) [][]byte {
	var out [][]byte
	for _, f := range d.fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Fields returns all emitted fields.
func (d *Document) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

func (d *Document) add(fields ...Field) {
	d.fields = append(d.fields, fields...)
}
