package driver

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Index names a node property the store looks nodes up by.
type Index struct {
	Label    string
	Property string
}

// Graph is the subset of a Bolt connection the storage layer needs.
type Graph interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error)
	EnsureIndexes(ctx context.Context, indexes []Index) error
	Close(ctx context.Context) error
}
