// Package retrieval is the on-device RAG index: a bounded-memory set of
// documents with embeddings, queried by cosine similarity.
//
// Readers never take a lock. Every mutation builds a new immutable snapshot
// and publishes it atomically, so a concurrent query sees either the old or
// the new index, never a partial update.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/agenthands/cortex/internal/core/model"
)

var (
	ErrMalformedDocument = errors.New("malformed document")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrDocumentTooLarge  = errors.New("document exceeds index memory ceiling")
)

// categoryOverhead approximates the per-document cost of the category index.
const categoryOverhead = 64

// Embedder produces fixed-dimension vectors comparable by cosine similarity.
// llm.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Dimensions    int   // 0 fixes the dimension on the first insert
	MemoryCeiling int64 // bytes
	StaleAfter    time.Duration
	CategoryBoost float64
	TagBoost      float64 // per overlapping tag or keyword
	MaxTagBoost   float64
	AgePenalty    float64
	EvictFraction float64
	Clock         func() time.Time
	Logger        *log.Logger
}

func DefaultOptions() Options {
	return Options{
		MemoryCeiling: 50 << 20,
		StaleAfter:    30 * 24 * time.Hour,
		CategoryBoost: 1.2,
		TagBoost:      0.1,
		MaxTagBoost:   1.5,
		AgePenalty:    0.9,
		EvictFraction: 0.2,
	}
}

type entry struct {
	doc      model.Document
	keywords map[string]struct{}
	size     int64
}

type snapshot struct {
	dims       int
	docs       map[string]*entry
	byCategory map[string][]string
	footprint  int64
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		dims:       s.dims,
		docs:       make(map[string]*entry, len(s.docs)+1),
		byCategory: make(map[string][]string, len(s.byCategory)),
		footprint:  s.footprint,
	}
	for id, e := range s.docs {
		next.docs[id] = e
	}
	for cat, ids := range s.byCategory {
		next.byCategory[cat] = append([]string(nil), ids...)
	}
	return next
}

func (s *snapshot) remove(id string) {
	e, ok := s.docs[id]
	if !ok {
		return
	}
	delete(s.docs, id)
	s.footprint -= e.size
	ids := s.byCategory[e.doc.Category]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byCategory, e.doc.Category)
	} else {
		s.byCategory[e.doc.Category] = ids
	}
}

func (s *snapshot) insert(e *entry) {
	s.docs[e.doc.ID] = e
	s.footprint += e.size
	s.byCategory[e.doc.Category] = append(s.byCategory[e.doc.Category], e.doc.ID)
}

type Index struct {
	embedder Embedder
	opts     Options

	writeMu sync.Mutex
	state   atomic.Pointer[snapshot]
}

func New(embedder Embedder, opts Options) *Index {
	def := DefaultOptions()
	if opts.MemoryCeiling <= 0 {
		opts.MemoryCeiling = def.MemoryCeiling
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.CategoryBoost <= 0 {
		opts.CategoryBoost = def.CategoryBoost
	}
	if opts.TagBoost < 0 {
		opts.TagBoost = 0
	}
	if opts.MaxTagBoost < 1 {
		opts.MaxTagBoost = def.MaxTagBoost
	}
	if opts.AgePenalty <= 0 || opts.AgePenalty > 1 {
		opts.AgePenalty = def.AgePenalty
	}
	if opts.EvictFraction <= 0 || opts.EvictFraction > 1 {
		opts.EvictFraction = def.EvictFraction
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[retrieval] ", log.LstdFlags)
	}
	idx := &Index{embedder: embedder, opts: opts}
	idx.state.Store(&snapshot{
		dims:       opts.Dimensions,
		docs:       map[string]*entry{},
		byCategory: map[string][]string{},
	})
	return idx
}

type UpsertResult struct {
	Updated    bool     // a document with the same id was replaced
	Reembedded bool     // the embedder was called
	Evicted    []string // ids evicted to make room, oldest first
}

// Upsert embeds and indexes doc under its category. An update whose content
// hash is unchanged keeps the stored embedding.
func (x *Index) Upsert(ctx context.Context, doc model.Document) (UpsertResult, error) {
	var res UpsertResult
	if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Content) == "" {
		return res, fmt.Errorf("%w: id and content are required", ErrMalformedDocument)
	}
	doc.ContentHash = ContentHash(doc.Content)
	if doc.Timestamp.IsZero() {
		doc.Timestamp = x.opts.Clock().UTC()
	}

	cur := x.state.Load()
	if prev, ok := cur.docs[doc.ID]; ok && prev.doc.ContentHash == doc.ContentHash && len(prev.doc.Embedding) > 0 {
		doc.Embedding = prev.doc.Embedding
	} else if len(doc.Embedding) == 0 {
		if x.embedder == nil {
			return res, fmt.Errorf("%w: no embedder configured", ErrMalformedDocument)
		}
		vec, err := x.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return res, fmt.Errorf("embed document %s: %w", doc.ID, err)
		}
		doc.Embedding = vec
		res.Reembedded = true
	}
	doc.Tags = append([]string(nil), doc.Tags...)
	doc.Embedding = append([]float32(nil), doc.Embedding...)

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	next := x.state.Load().clone()
	if next.dims == 0 {
		next.dims = len(doc.Embedding)
	}
	if len(doc.Embedding) != next.dims {
		return UpsertResult{}, fmt.Errorf("%w: document %s has %d, index has %d", ErrDimensionMismatch, doc.ID, len(doc.Embedding), next.dims)
	}

	e := &entry{doc: doc, keywords: keywordsOf(doc), size: Footprint(doc)}
	if e.size > x.opts.MemoryCeiling {
		return UpsertResult{}, fmt.Errorf("%w: %d > %d bytes", ErrDocumentTooLarge, e.size, x.opts.MemoryCeiling)
	}
	if _, ok := next.docs[doc.ID]; ok {
		res.Updated = true
		next.remove(doc.ID)
	}
	for next.footprint+e.size > x.opts.MemoryCeiling && len(next.docs) > 0 {
		res.Evicted = append(res.Evicted, x.evictOldest(next)...)
	}
	next.insert(e)
	x.state.Store(next)

	if len(res.Evicted) > 0 {
		x.opts.Logger.Printf("evicted %d documents to stay under %d bytes", len(res.Evicted), x.opts.MemoryCeiling)
	}
	return res, nil
}

// evictOldest removes the oldest EvictFraction of documents (at least one).
func (x *Index) evictOldest(s *snapshot) []string {
	entries := make([]*entry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].doc, entries[j].doc
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	n := int(math.Ceil(float64(len(entries)) * x.opts.EvictFraction))
	if n < 1 {
		n = 1
	}
	evicted := make([]string, 0, n)
	for _, e := range entries[:n] {
		s.remove(e.doc.ID)
		evicted = append(evicted, e.doc.ID)
	}
	return evicted
}

// Restore bulk-loads documents, typically from persistent storage, into an
// empty index. Documents with a stored embedding of the right size are not
// re-embedded.
func (x *Index) Restore(ctx context.Context, docs []model.Document) int {
	docs = append([]model.Document(nil), docs...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].Timestamp.Before(docs[j].Timestamp) })
	restored := 0
	for _, d := range docs {
		if _, err := x.Upsert(ctx, d); err != nil {
			x.opts.Logger.Printf("Warning: skipping document %s on restore: %v", d.ID, err)
			continue
		}
		restored++
	}
	return restored
}

func (x *Index) Remove(id string) bool {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	cur := x.state.Load()
	if _, ok := cur.docs[id]; !ok {
		return false
	}
	next := cur.clone()
	next.remove(id)
	x.state.Store(next)
	return true
}

func (x *Index) Get(id string) (model.Document, bool) {
	e, ok := x.state.Load().docs[id]
	if !ok {
		return model.Document{}, false
	}
	return copyDoc(e.doc), true
}

func (x *Index) Len() int         { return len(x.state.Load().docs) }
func (x *Index) Footprint() int64 { return x.state.Load().footprint }
func (x *Index) Dimensions() int  { return x.state.Load().dims }

// Documents returns copies of all documents sorted by id.
func (x *Index) Documents() []model.Document {
	s := x.state.Load()
	out := make([]model.Document, 0, len(s.docs))
	for _, e := range s.docs {
		out = append(out, copyDoc(e.doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Categories returns the number of documents per category.
func (x *Index) Categories() map[string]int {
	s := x.state.Load()
	out := make(map[string]int, len(s.byCategory))
	for cat, ids := range s.byCategory {
		out[cat] = len(ids)
	}
	return out
}

type QueryRequest struct {
	Text          string
	Category      string
	K             int
	MinSimilarity float64
}

// Query returns the K most relevant documents whose relevance is at least
// MinSimilarity, sorted by relevance descending.
func (x *Index) Query(ctx context.Context, req QueryRequest) ([]model.RetrievalResult, error) {
	if req.K <= 0 {
		req.K = 5
	}
	if x.embedder == nil {
		return nil, fmt.Errorf("query: no embedder configured")
	}
	vec, err := x.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s := x.state.Load()
	if len(s.docs) == 0 {
		return nil, nil
	}
	if len(vec) != s.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), s.dims)
	}

	var ids []string
	if req.Category != "" {
		ids = s.byCategory[req.Category]
	} else {
		ids = make([]string, 0, len(s.docs))
		for id := range s.docs {
			ids = append(ids, id)
		}
	}

	terms := tokenize(req.Text)
	now := x.opts.Clock()
	results := make([]model.RetrievalResult, 0, len(ids))
	for _, id := range ids {
		e := s.docs[id]
		sim := CosineSimilarity(vec, e.doc.Embedding)
		rel := x.relevance(sim, e, req.Category, terms, now)
		if rel < req.MinSimilarity {
			continue
		}
		results = append(results, model.RetrievalResult{
			Document:   copyDoc(e.doc),
			Similarity: sim,
			Relevance:  rel,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > req.K {
		results = results[:req.K]
	}
	return results, nil
}

func (x *Index) relevance(sim float64, e *entry, category string, terms map[string]struct{}, now time.Time) float64 {
	score := sim
	if e.doc.Category != "" {
		if _, mentioned := terms[strings.ToLower(e.doc.Category)]; mentioned || category == e.doc.Category {
			score *= x.opts.CategoryBoost
		}
	}
	overlap := 0
	for kw := range e.keywords {
		if _, ok := terms[kw]; ok {
			overlap++
		}
	}
	if overlap > 0 {
		score *= math.Min(1+x.opts.TagBoost*float64(overlap), x.opts.MaxTagBoost)
	}
	if now.Sub(e.doc.Timestamp) > x.opts.StaleAfter {
		score *= x.opts.AgePenalty
	}
	if score > 1 {
		score = 1
	}
	if score < sim {
		score = sim
	}
	return score
}

// Footprint estimates a document's memory cost: text, embedding vector and
// category index overhead.
func Footprint(doc model.Document) int64 {
	return int64(len(doc.Content)) + int64(4*len(doc.Embedding)) + categoryOverhead + int64(len(doc.Category))
}

func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity returns 0 for mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

func keywordsOf(doc model.Document) map[string]struct{} {
	kw := make(map[string]struct{}, len(doc.Tags))
	for _, t := range doc.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			kw[t] = struct{}{}
		}
	}
	for t := range tokenize(doc.Title) {
		kw[t] = struct{}{}
	}
	return kw
}

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) >= 3 {
			out[f] = struct{}{}
		}
	}
	return out
}

func copyDoc(d model.Document) model.Document {
	d.Tags = append([]string(nil), d.Tags...)
	d.Embedding = append([]float32(nil), d.Embedding...)
	return d
}
