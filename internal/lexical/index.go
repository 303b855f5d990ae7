// Package lexical is the keyword recall tier (C4): a BM25 inverted index
// over tokenized record content.
package lexical

import (
	"math"
	"sort"
	"sync"

	"memoria/internal/logging"
)

const (
	defaultK1             = 1.2
	defaultB              = 0.75
	defaultMinTokenLength = 2
)

// Index is a BM25-scored inverted index: term -> document id -> term
// frequency, plus per-document length and the corpus-wide average needed
// for BM25's length-normalization term.
type Index struct {
	mu sync.RWMutex

	postings    map[string]map[string]int // term -> id -> term frequency
	docLengths  map[string]int            // id -> token count
	totalLength int

	k1          float64
	b           float64
	minTokenLen int
}

// New creates an Index. Zero or negative k1/b/minTokenLength fall back to
// BM25's standard defaults (k1=1.2, b=0.75, minTokenLength=2).
func New(k1, b float64, minTokenLength int) *Index {
	if k1 <= 0 {
		k1 = defaultK1
	}
	if b <= 0 {
		b = defaultB
	}
	if minTokenLength <= 0 {
		minTokenLength = defaultMinTokenLength
	}
	return &Index{
		postings:    make(map[string]map[string]int),
		docLengths:  make(map[string]int),
		k1:          k1,
		b:           b,
		minTokenLen: minTokenLength,
	}
}

// Upsert (re)indexes content under id, replacing any prior indexing of id.
func (ix *Index) Upsert(id, content string) {
	tokens := Tokenize(content, ix.minTokenLen)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(id)

	ix.docLengths[id] = len(tokens)
	ix.totalLength += len(tokens)
	for term, count := range tf {
		byID, ok := ix.postings[term]
		if !ok {
			byID = make(map[string]int)
			ix.postings[term] = byID
		}
		byID[id] = count
	}
}

// Delete removes id from the index.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	length, ok := ix.docLengths[id]
	if !ok {
		return
	}
	ix.totalLength -= length
	delete(ix.docLengths, id)
	for term, byID := range ix.postings {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(ix.postings, term)
			}
		}
	}
}

func (ix *Index) avgDocLength() float64 {
	if len(ix.docLengths) == 0 {
		return 0
	}
	return float64(ix.totalLength) / float64(len(ix.docLengths))
}

// Scored pairs a document id with its BM25 score against a query.
type Scored struct {
	ID    string
	Score float64
}

// Search tokenizes query the same way documents were tokenized and returns
// the k highest-scoring documents by BM25, highest first. allow, if
// non-nil, filters candidate ids before scoring.
func (ix *Index) Search(query string, k int, allow func(id string) bool) []Scored {
	if k <= 0 {
		return nil
	}
	terms := Tokenize(query, ix.minTokenLen)
	if len(terms) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryLexical, "Search")
	defer timer.Stop()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLengths)
	if n == 0 {
		return nil
	}
	avgLen := ix.avgDocLength()

	scores := make(map[string]float64)
	seen := make(map[string]bool) // dedup repeated query terms
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true

		byID, ok := ix.postings[term]
		if !ok {
			continue
		}
		df := len(byID)
		idf := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)

		for id, tf := range byID {
			if allow != nil && !allow(id) {
				continue
			}
			length := ix.docLengths[id]
			denom := float64(tf) + ix.k1*(1-ix.b+ix.b*float64(length)/avgLen)
			scores[id] += idf * (float64(tf) * (ix.k1 + 1)) / denom
		}
	}

	results := make([]Scored, 0, len(scores))
	for id, s := range scores {
		results = append(results, Scored{ID: id, Score: s})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Len reports how many documents the index currently holds.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLengths)
}
