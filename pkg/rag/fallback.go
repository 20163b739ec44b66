package rag

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"atlas/pkg/record"
)

// FallbackIndex is an in-memory keyword-overlap document index. It
// backs context gathering when live sources come up short: every record
// that flows through the assembler is added, and later queries can be
// answered from it without touching the network.
type FallbackIndex struct {
	mu   sync.RWMutex
	docs []indexedDoc
	seen map[string]bool
}

type indexedDoc struct {
	rec   record.Record
	words map[string]bool
}

// NewFallbackIndex creates an empty index.
func NewFallbackIndex() *FallbackIndex {
	return &FallbackIndex{seen: make(map[string]bool)}
}

// Add indexes records under the given source tag. Records already
// present (same source and id) are skipped.
func (f *FallbackIndex) Add(records []record.Record, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, r := range records {
		if r.Source == "" {
			r.Source = source
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s_%d", source, i)
		}
		key := r.Key()
		if f.seen[key] {
			continue
		}
		f.seen[key] = true

		text := strings.ToLower(r.Title + " " + r.Content)
		words := make(map[string]bool)
		for _, w := range strings.Fields(text) {
			words[w] = true
		}
		f.docs = append(f.docs, indexedDoc{rec: r, words: words})
	}
}

// Search returns the top n records by keyword overlap with the query.
// Zero-overlap documents are never returned.
func (f *FallbackIndex) Search(query string, n int) []record.Record {
	if n <= 0 {
		return nil
	}
	terms := strings.Fields(strings.ToLower(query))

	f.mu.RLock()
	defer f.mu.RUnlock()

	type scored struct {
		matches int
		idx     int
	}
	var hits []scored
	for i, doc := range f.docs {
		matches := 0
		for _, t := range terms {
			if doc.words[t] {
				matches++
			}
		}
		if matches > 0 {
			hits = append(hits, scored{matches: matches, idx: i})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].matches > hits[j].matches })
	if len(hits) > n {
		hits = hits[:n]
	}

	out := make([]record.Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, f.docs[h.idx].rec)
	}
	return out
}

// Len reports the number of indexed documents.
func (f *FallbackIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.docs)
}

// Clear drops every indexed document.
func (f *FallbackIndex) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = nil
	f.seen = make(map[string]bool)
}
