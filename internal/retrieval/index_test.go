package retrieval

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cortex/internal/core/model"
)

var baseTime = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Clock = func() time.Time { return baseTime.Add(time.Hour) }
	opts.Logger = log.New(io.Discard, "", 0)
	return opts
}

func TestEvictsOldestTwentyPercent(t *testing.T) {
	opts := testOptions()
	opts.MemoryCeiling = 1000
	opts.Dimensions = 4
	idx := New(&MockEmbedder{Default: []float32{1, 0, 0, 0}}, opts)
	ctx := context.Background()

	// 20 bytes of content + 16 bytes of vector + 64 bytes of category overhead
	content := func(i int) string { return fmt.Sprintf("document number %04d", i) }
	for i := 0; i < 10; i++ {
		doc := model.Document{ID: fmt.Sprintf("d%02d", i), Content: content(i), Timestamp: baseTime.Add(time.Duration(i) * time.Minute)}
		require.Equal(t, int64(100), Footprint(model.Document{Content: doc.Content, Embedding: make([]float32, 4)}))
		res, err := idx.Upsert(ctx, doc)
		require.NoError(t, err)
		require.Empty(t, res.Evicted)
	}
	assert.Equal(t, int64(1000), idx.Footprint())

	res, err := idx.Upsert(ctx, model.Document{ID: "d10", Content: content(10), Timestamp: baseTime.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"d00", "d01"}, res.Evicted)
	assert.Equal(t, 9, idx.Len())
	assert.Equal(t, int64(900), idx.Footprint())

	_, ok := idx.Get("d00")
	assert.False(t, ok)
	_, ok = idx.Get("d10")
	assert.True(t, ok)
	assert.Equal(t, 9, idx.Categories()[""])
}

func TestRejectsDocumentLargerThanCeiling(t *testing.T) {
	opts := testOptions()
	opts.MemoryCeiling = 100
	idx := New(&MockEmbedder{Default: []float32{1, 0}}, opts)

	_, err := idx.Upsert(context.Background(), model.Document{ID: "big", Content: strings.Repeat("x", 200)})
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
	assert.Equal(t, 0, idx.Len())
}

func TestUpsertKeepsEmbeddingWhenContentUnchanged(t *testing.T) {
	emb := &MockEmbedder{Default: []float32{0, 1}}
	idx := New(emb, testOptions())
	ctx := context.Background()

	res, err := idx.Upsert(ctx, model.Document{ID: "a", Content: "stable text", Category: "faq"})
	require.NoError(t, err)
	assert.True(t, res.Reembedded)

	res, err = idx.Upsert(ctx, model.Document{ID: "a", Content: "stable text", Category: "faq", Tags: []string{"new"}})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.Reembedded)
	assert.Equal(t, 1, emb.CallCount())

	res, err = idx.Upsert(ctx, model.Document{ID: "a", Content: "changed text", Category: "faq"})
	require.NoError(t, err)
	assert.True(t, res.Reembedded)
	assert.Equal(t, 2, emb.CallCount())

	doc, _ := idx.Get("a")
	assert.Equal(t, ContentHash("changed text"), doc.ContentHash)
	assert.Equal(t, 1, idx.Len())
}

func TestUpsertValidation(t *testing.T) {
	idx := New(&MockEmbedder{Vectors: map[string][]float32{
		"two dims":   {1, 0},
		"three dims": {1, 0, 0},
	}}, testOptions())
	ctx := context.Background()

	_, err := idx.Upsert(ctx, model.Document{ID: "", Content: "x"})
	assert.ErrorIs(t, err, ErrMalformedDocument)
	_, err = idx.Upsert(ctx, model.Document{ID: "x", Content: "  "})
	assert.ErrorIs(t, err, ErrMalformedDocument)

	_, err = idx.Upsert(ctx, model.Document{ID: "a", Content: "two dims"})
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, model.Document{ID: "b", Content: "three dims"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 2, idx.Dimensions())
}

func seededIndex(t *testing.T) *Index {
	t.Helper()
	emb := &MockEmbedder{Vectors: map[string][]float32{
		"battery saving tips":      {1, 0, 0},
		"battery health guide":     {0.9, 0.1, 0},
		"charging overnight":       {0.7, 0.7, 0},
		"screen brightness":        {0.2, 0.9, 0.1},
		"privacy settings":         {0, 0, 1},
		"how do I save battery":    {1, 0.05, 0},
		"unrelated travel booking": {-1, 0, 0},
	}}
	idx := New(emb, testOptions())
	docs := []model.Document{
		{ID: "tips", Content: "battery saving tips", Category: "power", Timestamp: baseTime},
		{ID: "health", Content: "battery health guide", Category: "power", Tags: []string{"battery"}, Timestamp: baseTime},
		{ID: "charge", Content: "charging overnight", Category: "power", Timestamp: baseTime},
		{ID: "screen", Content: "screen brightness", Category: "display", Timestamp: baseTime},
		{ID: "privacy", Content: "privacy settings", Category: "security", Timestamp: baseTime},
	}
	for _, d := range docs {
		_, err := idx.Upsert(context.Background(), d)
		require.NoError(t, err)
	}
	return idx
}

func TestQueryRanksAndBounds(t *testing.T) {
	idx := seededIndex(t)
	results, err := idx.Query(context.Background(), QueryRequest{Text: "how do I save battery", K: 10, MinSimilarity: 0.1})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for i, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, -1.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
		assert.GreaterOrEqual(t, r.Relevance, r.Similarity)
		assert.LessOrEqual(t, r.Relevance, 1.0)
		assert.GreaterOrEqual(t, r.Relevance, 0.1)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Relevance, r.Relevance)
		}
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Document.ID
	}
	assert.NotContains(t, ids, "privacy")
}

func TestQueryRestrictsToCategory(t *testing.T) {
	idx := seededIndex(t)
	results, err := idx.Query(context.Background(), QueryRequest{Text: "how do I save battery", Category: "display", K: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "screen", results[0].Document.ID)
}

func TestTopKPrefixProperty(t *testing.T) {
	idx := seededIndex(t)
	ctx := context.Background()
	req := QueryRequest{Text: "how do I save battery", K: 3}

	full, err := idx.Query(ctx, req)
	require.NoError(t, err)
	require.Len(t, full, 3)

	require.True(t, idx.Remove(full[2].Document.ID))
	req.K = 2
	shorter, err := idx.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, full[:2], shorter)
}

func TestTagBoostAndAgePenalty(t *testing.T) {
	opts := testOptions()
	opts.Clock = func() time.Time { return baseTime.Add(90 * 24 * time.Hour) }
	emb := &MockEmbedder{Default: []float32{0.5, 0.5}}
	idx := New(emb, opts)
	ctx := context.Background()

	_, err := idx.Upsert(ctx, model.Document{ID: "fresh", Content: "a", Tags: []string{"wallet", "limits"}, Timestamp: baseTime.Add(89 * 24 * time.Hour)})
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, model.Document{ID: "stale", Content: "b", Tags: []string{"wallet", "limits"}, Timestamp: baseTime})
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, model.Document{ID: "plain", Content: "c", Timestamp: baseTime.Add(89 * 24 * time.Hour)})
	require.NoError(t, err)

	emb.Vectors = map[string][]float32{"wallet limits": {1, 0}}
	results, err := idx.Query(ctx, QueryRequest{Text: "wallet limits", K: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "fresh", results[0].Document.ID)
	assert.Equal(t, "stale", results[1].Document.ID)
	assert.Equal(t, "plain", results[2].Document.ID)
	assert.Equal(t, results[2].Similarity, results[2].Relevance)
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := New(&MockEmbedder{Default: []float32{1}}, testOptions())
	results, err := idx.Query(context.Background(), QueryRequest{Text: "anything"})
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestRestoreSkipsBadDocuments(t *testing.T) {
	idx := New(&MockEmbedder{Default: []float32{1, 0}}, testOptions())
	n := idx.Restore(context.Background(), []model.Document{
		{ID: "a", Content: "one", Embedding: []float32{0, 1}, Timestamp: baseTime},
		{ID: "b", Content: "", Timestamp: baseTime},
		{ID: "c", Content: "three", Timestamp: baseTime.Add(time.Minute)},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, idx.Len())
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	idx := New(NewHashEmbedder(32), testOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				idx.Upsert(ctx, model.Document{ID: fmt.Sprintf("w%d-%d", w, i), Content: fmt.Sprintf("note %d about topic %d", i, w), Category: fmt.Sprintf("c%d", w%2)})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				results, err := idx.Query(ctx, QueryRequest{Text: "note about topic", Category: "c1", K: 5})
				if err != nil {
					continue
				}
				for _, res := range results {
					assert.Equal(t, "c1", res.Document.Category)
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, n := range idx.Categories() {
		total += n
	}
	assert.Equal(t, idx.Len(), total)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, _ := h.Embed(context.Background(), "Battery saving tips")
	b, _ := h.Embed(context.Background(), "battery saving TIPS")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
}
