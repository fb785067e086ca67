// Package backend defines the narrow DynamoDB surface the mapper depends
// on, plus retry and error classification shared by every call site.
//
// Consumers depend on the API interface rather than on *dynamodb.Client so
// that alternative implementations (the in-memory test backend, proxies)
// can be substituted.
package backend

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// API is the subset of the DynamoDB client the mapper uses. It is
// satisfied by *dynamodb.Client and by *memorydb.Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Handle binds a client to one physical table. A handle is shared by all
// descriptors of one tenant and is read-only after construction.
type Handle struct {
	client API
	table  string
	log    *slog.Logger
}

// NewHandle builds a handle. A nil logger falls back to slog.Default.
func NewHandle(client API, table string, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.Default()
	}
	return &Handle{client: client, table: table, log: log}
}

// Client returns the backend client.
func (h *Handle) Client() API { return h.client }

// Table returns the physical table name.
func (h *Handle) Table() string { return h.table }

// Log returns the handle's logger.
func (h *Handle) Log() *slog.Logger { return h.log }
