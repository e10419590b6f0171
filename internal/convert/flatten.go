// Package convert builds parquet bricks from extracted openFDA JSON
// partitions.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Records decodes a partition document into flat string records and the
// sorted union of their columns. The record list is the document's
// "results" array when present, otherwise the document itself. Nested
// objects flatten into dot-separated columns; arrays and any other
// non-scalar values are stored as their JSON encoding. Numbers keep
// their source literal, so nothing is rounded through float64.
func Records(data []byte) ([]map[string]string, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode json: %w", err)
	}

	rows := resultsOf(doc)
	records := make([]map[string]string, 0, len(rows))
	seen := make(map[string]struct{})

	for i, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("record %d is %T, not an object", i, row)
		}
		rec := make(map[string]string)
		flatten("", obj, rec)
		for k := range rec {
			seen[k] = struct{}{}
		}
		records = append(records, rec)
	}

	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	return records, columns, nil
}

// resultsOf picks the record list out of a decoded document.
func resultsOf(doc any) []any {
	if m, ok := doc.(map[string]any); ok {
		if res, ok := m["results"]; ok {
			if arr, ok := res.([]any); ok {
				return arr
			}
			return []any{res}
		}
		return []any{m}
	}
	if arr, ok := doc.([]any); ok {
		return arr
	}
	return []any{doc}
}

// flatten walks nested objects, joining keys with dots. Null values are
// dropped so they surface as parquet nulls rather than empty strings.
func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case nil:
		// absent key becomes a null cell
	default:
		out[prefix] = scalarString(val)
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
