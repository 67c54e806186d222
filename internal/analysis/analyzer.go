package analysis

import "strings"

// Analyzer names accepted in field mappings.
const (
	Standard   = "standard"
	Whitespace = "whitespace"
	Keyword    = "keyword"
)

// Analyzer produces the tokens a field value is indexed as.
type Analyzer interface {
	Analyze(text string) []Token
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(text string) []Token

func (f AnalyzerFunc) Analyze(text string) []Token { return f(text) }

var analyzers = map[string]Analyzer{
	Standard:   AnalyzerFunc(Tokenize),
	Whitespace: AnalyzerFunc(whitespace),
	Keyword:    AnalyzerFunc(keyword),
}

// Lookup returns the named built-in analyzer.
func Lookup(name string) (Analyzer, bool) {
	a, ok := analyzers[name]
	return a, ok
}

// whitespace splits on white space and keeps case.
func whitespace(text string) []Token {
	words := strings.Fields(text)
	tokens := make([]Token, len(words))
	for i, w := range words {
		tokens[i] = Token{Term: w, Position: i}
	}
	return tokens
}

// keyword emits the whole input as one token.
func keyword(text string) []Token {
	if text == "" {
		return nil
	}
	return []Token{{Term: text}}
}
