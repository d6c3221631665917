package driver

import (
	"context"
	"fmt"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type MemgraphDriver struct {
	Driver neo4j.DriverWithContext
}

func NewMemgraphDriver(ctx context.Context, uri, username, password string) (*MemgraphDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create memgraph driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connect to memgraph at %s: %w", uri, err)
	}

	log.Printf("connected to graph store at %s", uri)
	return &MemgraphDriver{Driver: driver}, nil
}

func (d *MemgraphDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

func (d *MemgraphDriver) ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return neo4j.EagerResult{}, fmt.Errorf("execute query: %w", err)
	}
	return *result, nil
}

// EnsureIndexes creates the label/property indexes. Memgraph rejects an
// index that already exists, so those failures are logged and skipped.
func (d *MemgraphDriver) EnsureIndexes(ctx context.Context, indexes []Index) error {
	created := 0
	for _, ix := range indexes {
		q := fmt.Sprintf("CREATE INDEX ON :%s(%s);", ix.Label, ix.Property)
		if _, err := d.ExecuteQuery(ctx, q, nil); err != nil {
			log.Printf("index %s(%s) not created: %v", ix.Label, ix.Property, err)
			continue
		}
		created++
	}
	if created == 0 && len(indexes) > 0 {
		log.Printf("no new indexes created (%d already present or rejected)", len(indexes))
	}
	return nil
}
