package data

import (
	"fmt"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
)

// Record renders the dataset as an Arrow record batch with one string column
// per header field. The API returns everything as text; callers wanting
// typed columns cast downstream, mirroring the schema-override step the
// upstream response requires anyway. The caller owns the returned record and
// must Release it.
func (d *Dataset) Record(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if len(d.Header) == 0 {
		return nil, fmt.Errorf("data: dataset has no header")
	}

	fields := make([]arrow.Field, len(d.Header))
	for i, name := range d.Header {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	for _, row := range d.Rows {
		if len(row) != len(d.Header) {
			return nil, fmt.Errorf("data: row width %d does not match header width %d", len(row), len(d.Header))
		}
		for i, value := range row {
			fieldBuilder := builder.Field(i).(*array.StringBuilder)
			if value == "" {
				fieldBuilder.AppendNull()
				continue
			}
			fieldBuilder.Append(value)
		}
	}
	return builder.NewRecord(), nil
}

// Records converts every dataset in the result. Released records are the
// caller's responsibility here too.
func (r *Result) Records(mem memory.Allocator) ([]arrow.Record, error) {
	records := make([]arrow.Record, 0, len(r.Datasets))
	for i := range r.Datasets {
		record, err := r.Datasets[i].Record(mem)
		if err != nil {
			for _, done := range records {
				done.Release()
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
