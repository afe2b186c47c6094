// Package milvus wraps the Milvus v2 SDK for knowledge-base document collections.
//
// Every collection shares one schema: a VarChar primary key so that documents can be
// upserted idempotently by id, a float vector, and a fixed set of VarChar metadata
// fields that can be used in filter expressions.
package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	milvusopts "github.com/kart-io/sentinel-kb/pkg/options/milvus"
)

const (
	// FieldID is the VarChar primary key.
	FieldID = "doc_id"
	// FieldEmbedding is the vector field.
	FieldEmbedding = "embedding"
	// FieldContent holds the chunk text.
	FieldContent = "content"
)

// MetaFields are the filterable VarChar metadata fields, in schema order.
var MetaFields = []string{"standard", "doc_type", "title", "source"}

const (
	maxIDLen      = 128
	maxContentLen = 65535
	maxMetaLen    = 512
)

// Client wraps the Milvus SDK client.
type Client struct {
	client *milvusclient.Client
	opts   *milvusopts.Options
}

// New creates a new Milvus client.
func New(opts *milvusopts.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	return &Client{client: c, opts: opts}, nil
}

// Close closes the Milvus client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Ping checks that the server answers a metadata request.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption("kb_ping")); err != nil {
		return fmt.Errorf("milvus ping failed: %w", err)
	}
	return nil
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int {
	return c.opts.Dimension
}

// EnsureCollection creates, indexes and loads the collection if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	schema := entity.NewSchema().
		WithName(name).
		WithDescription("knowledge base documents").
		WithAutoID(false).
		WithField(entity.NewField().
			WithName(FieldID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLen).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(FieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(c.opts.Dimension))).
		WithField(entity.NewField().
			WithName(FieldContent).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxContentLen))
	for _, f := range MetaFields {
		schema.WithField(entity.NewField().
			WithName(f).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxMetaLen))
	}

	if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, schema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.L2, 128)
	idxTask, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, FieldEmbedding, idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := idxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	return c.load(ctx, name)
}

func (c *Client) load(ctx context.Context, name string) error {
	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

// Row is one document to upsert.
type Row struct {
	ID        string
	Content   string
	Meta      map[string]string
	Embedding []float32
}

// Upsert writes rows by primary key; rows with an existing id are replaced.
func (c *Client) Upsert(ctx context.Context, collection string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	ids := make([]string, len(rows))
	contents := make([]string, len(rows))
	vectors := make([][]float32, len(rows))
	meta := make(map[string][]string, len(MetaFields))
	for _, f := range MetaFields {
		meta[f] = make([]string, len(rows))
	}

	dim := c.opts.Dimension
	for i, r := range rows {
		if len(r.Embedding) != dim {
			return fmt.Errorf("row %s: embedding dimension %d, want %d", r.ID, len(r.Embedding), dim)
		}
		ids[i] = r.ID
		contents[i] = r.Content
		vectors[i] = r.Embedding
		for _, f := range MetaFields {
			meta[f][i] = r.Meta[f]
		}
	}

	columns := []column.Column{
		column.NewColumnVarChar(FieldID, ids),
		column.NewColumnFloatVector(FieldEmbedding, dim, vectors),
		column.NewColumnVarChar(FieldContent, contents),
	}
	for _, f := range MetaFields {
		columns = append(columns, column.NewColumnVarChar(f, meta[f]))
	}

	if _, err := c.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collection, columns...)); err != nil {
		return fmt.Errorf("failed to upsert data: %w", err)
	}
	return nil
}

// Hit is a single search hit.
type Hit struct {
	ID       string
	Content  string
	Meta     map[string]string
	Distance float32
}

// Search runs an L2 similarity search with an optional boolean filter expression.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK int, filter string) ([]Hit, error) {
	if err := c.load(ctx, collection); err != nil {
		return nil, err
	}

	outputFields := append([]string{FieldContent}, MetaFields...)
	opt := milvusclient.NewSearchOption(collection, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(FieldEmbedding).
		WithSearchParam("nprobe", "16").
		WithOutputFields(outputFields...)
	if filter != "" {
		opt = opt.WithFilter(filter)
	}

	results, err := c.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	rs := results[0]
	hits := make([]Hit, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		h := Hit{Distance: rs.Scores[i], Meta: make(map[string]string, len(MetaFields))}
		if idCol, ok := rs.IDs.(*column.ColumnVarChar); ok {
			h.ID = idCol.Data()[i]
		}
		for _, field := range rs.Fields {
			col, ok := field.(*column.ColumnVarChar)
			if !ok {
				continue
			}
			if col.Name() == FieldContent {
				h.Content = col.Data()[i]
			} else {
				h.Meta[col.Name()] = col.Data()[i]
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// RowCount returns the number of entities in a collection.
func (c *Client) RowCount(ctx context.Context, collection string) (int64, error) {
	stats, err := c.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}
