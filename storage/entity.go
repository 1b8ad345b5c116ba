package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"taskshare/docstore"
)

const (
	edmInt64     = "Edm.Int64"
	odataTypeSfx = "@odata.type"
)

var entityCodec = sonic.Config{UseNumber: true}.Froze()

// encodeEntity builds the table entity for a document. Each collection lives
// in its own table under a single partition named after the collection.
func encodeEntity(collection, id string, fields docstore.Fields) ([]byte, error) {
	ent := make(map[string]any, len(fields)*2+2)
	ent["PartitionKey"] = collection
	ent["RowKey"] = id
	for k, v := range fields {
		if reservedProperty(k) {
			return nil, fmt.Errorf("field %q is reserved", k)
		}
		switch n := v.(type) {
		case int64:
			ent[k] = strconv.FormatInt(n, 10)
			ent[k+odataTypeSfx] = edmInt64
		case int:
			ent[k] = strconv.FormatInt(int64(n), 10)
			ent[k+odataTypeSfx] = edmInt64
		case string, bool, float64, nil:
			ent[k] = v
		default:
			return nil, fmt.Errorf("field %q has unsupported type %T", k, v)
		}
	}
	return entityCodec.Marshal(ent)
}

// decodeEntity returns the document id and fields of a table entity.
func decodeEntity(data []byte) (string, docstore.Fields, error) {
	var raw map[string]any
	if err := entityCodec.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}
	id, _ := raw["RowKey"].(string)
	fields := make(docstore.Fields, len(raw))
	for k, v := range raw {
		if reservedProperty(k) || strings.HasSuffix(k, odataTypeSfx) {
			continue
		}
		if typ, _ := raw[k+odataTypeSfx].(string); typ == edmInt64 {
			s, ok := v.(string)
			if !ok {
				return "", nil, fmt.Errorf("property %s: expected string for %s", k, edmInt64)
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return "", nil, fmt.Errorf("property %s: %w", k, err)
			}
			fields[k] = n
			continue
		}
		if num, ok := v.(json.Number); ok {
			if n, err := num.Int64(); err == nil {
				fields[k] = n
				continue
			}
			f, err := num.Float64()
			if err != nil {
				return "", nil, fmt.Errorf("property %s: %w", k, err)
			}
			fields[k] = f
			continue
		}
		fields[k] = v
	}
	return id, fields, nil
}

func reservedProperty(k string) bool {
	switch k {
	case "PartitionKey", "RowKey", "Timestamp":
		return true
	}
	return strings.HasPrefix(k, "odata.")
}

// buildFilter renders an OData filter limited to the collection's partition.
func buildFilter(collection string, filters []docstore.Filter) (string, error) {
	parts := []string{"PartitionKey eq " + quote(collection)}
	for _, f := range filters {
		lit, err := literal(f.Value)
		if err != nil {
			return "", fmt.Errorf("filter %s: %w", f.Field, err)
		}
		parts = append(parts, f.Field+" eq "+lit)
	}
	return strings.Join(parts, " and "), nil
}

func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10) + "L", nil
	case int64:
		return strconv.FormatInt(x, 10) + "L", nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("unsupported float %v", x)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported filter value %T", v)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
