package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"investcalc.org/internal/stats"
)

const (
	aggregateSheet = "Aggregate"
	frontierSheet  = "Frontier"
)

// Exporter renders report results as a downloadable document.
type Exporter interface {
	ContentType() string
	FileExtension() string
	WriteAggregate(w io.Writer, res stats.Result) error
	WriteFrontier(w io.Writer, points []stats.FrontierPoint) error
}

// XLSX writes Office Open XML workbooks.
type XLSX struct{}

func (XLSX) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (XLSX) FileExtension() string { return ".xlsx" }

// WriteAggregate writes one header row (grouping fields, row count, metric
// names) followed by one row per group in key order. Undefined metrics are
// left blank.
func (XLSX) WriteAggregate(w io.Writer, res stats.Result) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", aggregateSheet); err != nil {
		return err
	}

	header := make([]any, 0, len(res.GroupBy)+1+len(res.Metrics))
	for _, g := range res.GroupBy {
		header = append(header, g)
	}
	header = append(header, "rows")
	for _, m := range res.Metrics {
		header = append(header, m)
	}
	if err := writeHeader(f, aggregateSheet, header); err != nil {
		return err
	}

	for i, g := range res.Sorted() {
		row := make([]any, 0, len(header))
		for _, k := range g.Key {
			row = append(row, cellValue(k))
		}
		row = append(row, g.Rows)
		for _, m := range res.Metrics {
			if v := g.Values[m]; v.Valid {
				row = append(row, v.Value)
			} else {
				row = append(row, nil)
			}
		}
		if err := setRow(f, aggregateSheet, i+2, row); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// WriteFrontier writes the portfolio, expected return and risk of every
// frontier point plus a scatter chart of return over risk.
func (XLSX) WriteFrontier(w io.Writer, points []stats.FrontierPoint) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", frontierSheet); err != nil {
		return err
	}
	if err := writeHeader(f, frontierSheet, []any{"portfolio", "expected return", "risk"}); err != nil {
		return err
	}
	for i, p := range points {
		if err := setRow(f, frontierSheet, i+2, []any{p.Label, p.Return, p.Risk}); err != nil {
			return err
		}
	}
	if len(points) > 0 {
		last := len(points) + 1
		err := f.AddChart(frontierSheet, "E2", &excelize.Chart{
			Type: excelize.Scatter,
			Series: []excelize.ChartSeries{{
				Name:       fmt.Sprintf("%s!$B$1", frontierSheet),
				Categories: fmt.Sprintf("%s!$C$2:$C$%d", frontierSheet, last),
				Values:     fmt.Sprintf("%s!$B$2:$B$%d", frontierSheet, last),
			}},
			Title: []excelize.RichTextRun{{Text: "Efficient frontier"}},
			XAxis: excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: "risk"}}},
			YAxis: excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: "expected return"}}},
		})
		if err != nil {
			return fmt.Errorf("add frontier chart: %w", err)
		}
	}
	return f.Write(w)
}

func writeHeader(f *excelize.File, sheet string, header []any) error {
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	end, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", end, style); err != nil {
		return err
	}
	lastCol, _, err := excelize.SplitCellName(end)
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", lastCol, 20)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func cellValue(v stats.Value) any {
	if n, ok := v.Num(); ok {
		return n
	}
	if v.IsNull() {
		return nil
	}
	return v.String()
}
