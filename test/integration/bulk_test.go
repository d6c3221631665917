//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/refresh"
	"github.com/agenthands/cortex/internal/retrieval"
	"github.com/agenthands/cortex/internal/storage"
)

func TestBulkIngestWriteBehind(t *testing.T) {
	d := memgraphDriver(t)
	ctx := context.Background()

	store, err := storage.NewMemgraphStore(ctx, d)
	require.NoError(t, err)
	wb := storage.NewWriteBehind(store, quiet())

	opts := retrieval.DefaultOptions()
	opts.Logger = quiet()
	idx := retrieval.New(retrieval.NewHashEmbedder(64), opts)
	syncer := refresh.New(refresh.Config{Index: idx, Store: wb, Logger: quiet()})

	prefix := "bulk-" + uuid.NewString()[:8]
	var docs []model.Document
	var ids []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("%s-%03d", prefix, i)
		ids = append(ids, id)
		docs = append(docs, model.Document{
			ID:        id,
			Content:   fmt.Sprintf("bulk document %d about wallet limits", i),
			Category:  "bulk",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		})
	}
	t.Cleanup(func() { _ = store.DeleteDocuments(context.Background(), ids) })

	start := time.Now()
	report := syncer.Ingest(ctx, docs)
	require.Len(t, report.Indexed, 100)
	require.NoError(t, wb.Flush(ctx))
	t.Logf("Ingested and flushed 100 documents in %s", time.Since(start))
	assert.Zero(t, wb.Dirty())

	restored := retrieval.New(retrieval.NewHashEmbedder(64), opts)
	require.NoError(t, refresh.New(refresh.Config{Index: restored, Store: wb, Logger: quiet()}).Restore(ctx))
	assert.GreaterOrEqual(t, restored.Len(), 100)

	results, err := restored.Query(ctx, retrieval.QueryRequest{Text: "wallet limits", Category: "bulk", K: 5})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}
