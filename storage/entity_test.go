package storage

import (
	"strings"
	"testing"

	"taskshare/docstore"
)

func TestEncodeDecodeEntity(t *testing.T) {
	fields := docstore.Fields{
		"text":      "Buy milk",
		"owner":     "a@x.com",
		"isPublic":  true,
		"createdAt": int64(1700000000123),
	}
	data, err := encodeEntity("tasks", "t1", fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := string(data)
	for _, want := range []string{`"PartitionKey":"tasks"`, `"RowKey":"t1"`, `"createdAt":"1700000000123"`, `"createdAt@odata.type":"Edm.Int64"`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}

	id, got, err := decodeEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != "t1" {
		t.Fatalf("unexpected id %q", id)
	}
	if ts, ok := got.Int64("createdAt"); !ok || ts != 1700000000123 {
		t.Fatalf("createdAt not restored: %#v", got["createdAt"])
	}
	if v, _ := got.Bool("isPublic"); !v {
		t.Fatalf("isPublic not restored: %#v", got["isPublic"])
	}
	if _, ok := got["PartitionKey"]; ok {
		t.Fatal("system properties must not leak into fields")
	}
	if _, ok := got["createdAt@odata.type"]; ok {
		t.Fatal("type annotations must not leak into fields")
	}
}

func TestDecodeEntityFromService(t *testing.T) {
	payload := []byte(`{"odata.etag":"W/\"x\"","PartitionKey":"comments","RowKey":"c1","Timestamp":"2024-01-01T00:00:00Z","taskId":"t1","text":"Nice!","createdAt@odata.type":"Edm.Int64","createdAt":"42","score":1.5}`)
	id, fields, err := decodeEntity(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != "c1" {
		t.Fatalf("unexpected id %q", id)
	}
	if len(fields) != 4 {
		t.Fatalf("unexpected fields %#v", fields)
	}
	if n, _ := fields.Int64("createdAt"); n != 42 {
		t.Fatalf("unexpected createdAt %#v", fields["createdAt"])
	}
	if f, ok := fields["score"].(float64); !ok || f != 1.5 {
		t.Fatalf("unexpected score %#v", fields["score"])
	}
}

func TestEncodeEntityRejectsReservedAndUnsupported(t *testing.T) {
	if _, err := encodeEntity("tasks", "t1", docstore.Fields{"RowKey": "x"}); err == nil {
		t.Fatal("expected reserved field to be rejected")
	}
	if _, err := encodeEntity("tasks", "t1", docstore.Fields{"tags": []string{"a"}}); err == nil {
		t.Fatal("expected unsupported type to be rejected")
	}
}

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name    string
		filters []docstore.Filter
		want    string
		wantErr bool
	}{
		{name: "partition only", want: "PartitionKey eq 'tasks'"},
		{name: "string", filters: []docstore.Filter{{Field: "owner", Value: "a@x.com"}}, want: "PartitionKey eq 'tasks' and owner eq 'a@x.com'"},
		{name: "quote escaped", filters: []docstore.Filter{{Field: "owner", Value: "o'brien@x.com"}}, want: "PartitionKey eq 'tasks' and owner eq 'o''brien@x.com'"},
		{name: "bool and int64", filters: []docstore.Filter{{Field: "isPublic", Value: true}, {Field: "createdAt", Value: int64(7)}}, want: "PartitionKey eq 'tasks' and isPublic eq true and createdAt eq 7L"},
		{name: "unsupported", filters: []docstore.Filter{{Field: "x", Value: []int{1}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildFilter("tasks", tt.filters)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("buildFilter = %q, want %q", got, tt.want)
			}
		})
	}
}
