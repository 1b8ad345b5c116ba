package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskshare/docstore"
)

// Storage is a docstore.Backend over Azure Table Storage. Every collection
// maps to one table.
type Storage struct {
	tables map[string]*aztables.Client
}

// New creates a Storage from the given connection string. tables maps
// collection names to table names.
func New(connStr string, tables map[string]string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{tables: make(map[string]*aztables.Client, len(tables))}
	for collection, table := range tables {
		if table == "" {
			return nil, fmt.Errorf("no table configured for collection %q", collection)
		}
		s.tables[collection] = svc.NewClient(table)
	}
	return s, nil
}

func (s *Storage) table(collection string) (*aztables.Client, error) {
	t, ok := s.tables[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return t, nil
}

// Insert adds a new entity; it never overwrites an existing one.
func (s *Storage) Insert(ctx context.Context, collection, id string, fields docstore.Fields) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	payload, err := encodeEntity(collection, id, fields)
	if err != nil {
		return err
	}
	_, err = t.AddEntity(ctx, payload, nil)
	return err
}

func (s *Storage) Get(ctx context.Context, collection, id string) (docstore.Fields, error) {
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	if !validKey(id) {
		return nil, docstore.ErrNotFound
	}
	ent, err := t.GetEntity(ctx, collection, id, nil)
	if err != nil {
		if isNotFound(err) || isInvalidKey(err) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	_, fields, err := decodeEntity(ent.Value)
	return fields, err
}

func (s *Storage) Delete(ctx context.Context, collection, id string) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	if !validKey(id) {
		return docstore.ErrNotFound
	}
	if _, err := t.DeleteEntity(ctx, collection, id, nil); err != nil {
		if isNotFound(err) || isInvalidKey(err) {
			return docstore.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Storage) List(ctx context.Context, collection string, filters []docstore.Filter) ([]docstore.Document, error) {
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	filter, err := buildFilter(collection, filters)
	if err != nil {
		return nil, err
	}
	pager := t.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := []docstore.Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			id, fields, err := decodeEntity(e)
			if err != nil {
				return nil, err
			}
			docs = append(docs, docstore.Document{ID: id, Fields: fields})
		}
	}
	return docs, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// isInvalidKey reports a request the service refused because of its key, which
// for a point read means no such document can exist.
func isInvalidKey(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return respErr.ErrorCode == "InvalidInput" || respErr.ErrorCode == "OutOfRangeInput"
}

const maxKeyLength = 1024

// validKey reports whether id is usable as a RowKey.
func validKey(id string) bool {
	if id == "" || len(id) > maxKeyLength {
		return false
	}
	for _, r := range id {
		switch {
		case r == '/', r == '\\', r == '#', r == '?':
			return false
		case r < 0x20, r >= 0x7f && r <= 0x9f:
			return false
		}
	}
	return true
}
