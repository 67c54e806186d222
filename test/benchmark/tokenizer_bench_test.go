package benchmark

import (
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/analysis"
)

// BenchmarkTokenizeShort measures tokenizing a short match query.
func BenchmarkTokenizeShort(b *testing.B) {
	text := "Distributed Kafka Consumers"
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = analysis.Tokenize(text)
	}
}

// BenchmarkTokenizeLong measures tokenizing a paragraph-sized match_phrase
// query.
func BenchmarkTokenizeLong(b *testing.B) {
	text := strings.Repeat("The quick brown fox jumped over the lazy dogs while running through fields. ", 20)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = analysis.Tokenize(text)
	}
}

// BenchmarkAnalyzers compares the built-in analyzers on the same input.
func BenchmarkAnalyzers(b *testing.B) {
	text := "Percolator Queries Are Stored As Documents"
	for _, name := range []string{"standard", "whitespace", "keyword"} {
		a, ok := analysis.Lookup(name)
		if !ok {
			b.Fatalf("analyzer %s not registered", name)
		}
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = a.Analyze(text)
			}
		})
	}
}
