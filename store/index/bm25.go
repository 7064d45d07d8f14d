package index

import "math"

// BM25 parameters (Okapi variant, standard values).
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

// Corpus holds the collection statistics a BM25 score is computed against.
// For conversation search the corpus is one creator's conversations.
type Corpus struct {
	DocCount    int64
	TotalLength int64
	// DocFreq maps a query term to the number of documents containing it.
	DocFreq map[string]int64
}

// AverageLength is the mean document length of the corpus.
func (c *Corpus) AverageLength() float64 {
	if c.DocCount == 0 {
		return 0
	}
	return float64(c.TotalLength) / float64(c.DocCount)
}

// IDF returns the inverse document frequency of term. Terms that appear in
// nearly every document get a small positive floor instead of zero.
func (c *Corpus) IDF(term string) float64 {
	df := c.DocFreq[term]
	if df == 0 {
		return 0
	}
	idf := math.Log(1 + (float64(c.DocCount)-float64(df)+0.5)/(float64(df)+0.5))
	if idf < paramEpsilon {
		idf = paramEpsilon
	}
	return idf
}

// Score computes the BM25 score of one document for the query terms.
// tf holds the document's term frequencies and docLength its token count.
func (c *Corpus) Score(queryTerms []string, tf map[string]int, docLength int) float64 {
	avg := c.AverageLength()
	if avg == 0 {
		avg = 1
	}

	var score float64
	for _, term := range queryTerms {
		frequency := float64(tf[term])
		if frequency == 0 {
			continue
		}
		// IDF * (tf * (k1 + 1)) / (tf + k1 * (1 - b + b * dl/avgdl))
		numerator := frequency * (paramK1 + 1)
		denominator := frequency + paramK1*(1-paramB+paramB*float64(docLength)/avg)
		score += c.IDF(term) * numerator / denominator
	}
	return score
}
