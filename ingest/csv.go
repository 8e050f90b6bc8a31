package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// Kind selects how CSV rows are tagged.
type Kind string

const (
	KindAuto     Kind = ""
	KindSales    Kind = "sales_breakdown"
	KindSchedule Kind = "employee_schedule"
	KindGeneric  Kind = "generic"
)

// DefaultSalesLocation tags sales rows, which carry no location column.
const DefaultSalesLocation = "RT2 - South Austin"

// CSVOptions describes one CSV upload.
type CSVOptions struct {
	// Source is the originating file name, stored as metadata.
	Source string
	Kind   Kind
	// Meta is merged into every document and wins over column values.
	Meta map[string]interface{}
}

// CSV parses r and indexes one document per row.
func (i *Ingester) CSV(ctx context.Context, r io.Reader, opt CSVOptions) (Result, error) {
	docs, err := ParseCSV(r, opt)
	if err != nil {
		return Result{}, err
	}
	return i.Write(ctx, docs)
}

// ParseCSV converts rows into documents with "column: value" content. Empty
// cells are skipped.
func ParseCSV(r io.Reader, opt CSVOptions) ([]schema.Document, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.Validation("csv", errors.New("missing header row"))
		}
		return nil, errs.Validation("csv", fmt.Errorf("read header: %w", err))
	}
	for i := range header {
		header[i] = strings.TrimPrefix(header[i], "\ufeff")
	}
	kind := opt.Kind
	if kind == KindAuto {
		kind = detectKind(opt.Source, header)
	}

	var docs []schema.Document
	for idx := 0; ; idx++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Validation("csv", fmt.Errorf("row %d: %w", idx, err))
		}
		values := map[string]string{}
		lines := make([]string, 0, len(header))
		for c, col := range header {
			if c >= len(rec) {
				break
			}
			v := strings.TrimSpace(rec[c])
			if v == "" {
				continue
			}
			values[col] = v
			lines = append(lines, col+": "+v)
		}
		if skipRow(kind, values) || len(lines) == 0 {
			continue
		}

		meta := make(map[string]interface{}, len(values)+len(opt.Meta)+4)
		for k, v := range values {
			meta[k] = v
		}
		meta["source"] = "csv"
		if opt.Source != "" {
			meta["source_file"] = opt.Source
		}
		meta["row_id"] = idx
		meta["data_type"] = string(kind)
		switch kind {
		case KindSales:
			meta["date"] = values["Date"]
			meta["location"] = DefaultSalesLocation
		case KindSchedule:
			meta["employee"] = values["Employee"]
			meta["date"] = values["Date"]
			meta["scheduled_position"] = values["Sched Position"]
			meta["attendance_position"] = values["Att Position"]
		}
		for k, v := range opt.Meta {
			meta[k] = v
		}
		mirrorIdentity(meta)
		docs = append(docs, schema.Document{Content: strings.Join(lines, "\n"), Metadata: meta})
	}
	return docs, nil
}

func detectKind(source string, header []string) Kind {
	if strings.Contains(source, "dailySalesBreakdown") {
		return KindSales
	}
	for _, h := range header {
		if h == "Employee" {
			return KindSchedule
		}
	}
	return KindGeneric
}

// skipRow drops summary lines and rows without their key column.
func skipRow(kind Kind, values map[string]string) bool {
	switch kind {
	case KindSales:
		d := values["Date"]
		return d == "" || strings.Contains(d, "Totals")
	case KindSchedule:
		return values["Employee"] == ""
	}
	return false
}
