package convert

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// writeParquet writes records as a zstd-compressed parquet file. Every
// column is an optional UTF8 string; a record without a column's key
// produces a null cell. Column index follows the sorted column list,
// which matches the lexicographic field order parquet.Group applies.
func writeParquet(w io.Writer, columns []string, records []map[string]string) error {
	group := parquet.Group{}
	for _, col := range columns {
		group[col] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("openfda", group)

	writer := parquet.NewGenericWriter[any](w, schema, parquet.Compression(&zstd.Codec{}))

	rows := make([]parquet.Row, 0, len(records))
	for _, rec := range records {
		row := make(parquet.Row, 0, len(columns))
		for i, col := range columns {
			if v, ok := rec[col]; ok {
				row = append(row, parquet.ValueOf(v).Level(0, 1, i))
			} else {
				row = append(row, parquet.ValueOf(nil).Level(0, 0, i))
			}
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if _, err := writer.WriteRows(rows); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
