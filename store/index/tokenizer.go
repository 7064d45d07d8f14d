// Package index holds the pure, storage-independent part of the conversation
// indexes: tokenization, document analysis, BM25 scoring and time buckets.
// Drivers persist what this package computes.
package index

import (
	"strings"
	"unicode"
)

// minWordLen is the minimum rune length for a latin/digit token.
const minWordLen = 2

// Tokenizer splits text into index terms.
// Latin letters and digits form lowercased word tokens. Scripts written
// without spaces (Han, Hiragana, Katakana, Hangul) yield every character plus
// every adjacent character pair, so a two-character query matches inside a
// longer run.
type Tokenizer struct {
	minTokenLen int
}

// NewTokenizer creates a new Tokenizer instance.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		minTokenLen: minWordLen,
	}
}

// Tokenize returns the terms of text in order, repeats included.
func (t *Tokenizer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	var tokens []string
	var currentWord strings.Builder
	var cjkRun []rune

	flushWord := func() {
		if currentWord.Len() == 0 {
			return
		}
		word := strings.ToLower(currentWord.String())
		if len([]rune(word)) >= t.minTokenLen {
			tokens = append(tokens, word)
		}
		currentWord.Reset()
	}
	flushRun := func() {
		for i, r := range cjkRun {
			tokens = append(tokens, string(r))
			if i+1 < len(cjkRun) {
				tokens = append(tokens, string(cjkRun[i:i+2]))
			}
		}
		cjkRun = cjkRun[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushRun()
			currentWord.WriteRune(r)
		default:
			flushWord()
			flushRun()
		}
	}
	flushWord()
	flushRun()

	return tokens
}

// Unique returns the distinct terms of text in first-seen order.
func (t *Tokenizer) Unique(text string) []string {
	tokens := t.Tokenize(text)
	seen := make(map[string]bool, len(tokens))
	unique := tokens[:0:0]
	for _, token := range tokens {
		if !seen[token] {
			seen[token] = true
			unique = append(unique, token)
		}
	}
	return unique
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
