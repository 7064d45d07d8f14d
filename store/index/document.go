package index

var defaultTokenizer = NewTokenizer()

// Document is the analyzed form of a conversation as stored in the inverted
// index: term frequencies plus the total token count.
type Document struct {
	Terms  map[string]int
	Length int
}

// Analyze builds the index document for the given markdown texts.
// Each text is reduced to plain text before tokenization.
func Analyze(texts ...string) *Document {
	doc := &Document{Terms: make(map[string]int)}
	for _, source := range texts {
		for _, token := range defaultTokenizer.Tokenize(PlainText(source)) {
			doc.Terms[token]++
			doc.Length++
		}
	}
	return doc
}

// QueryTerms returns the distinct terms of a search query.
func QueryTerms(query string) []string {
	return defaultTokenizer.Unique(query)
}

// PeriodOf returns the hour bucket of a unix-millisecond timestamp,
// expressed as hours since the unix epoch.
func PeriodOf(tsMillis int64) int64 {
	if tsMillis < 0 {
		return -((-tsMillis + 3_600_000 - 1) / 3_600_000)
	}
	return tsMillis / 3_600_000
}
