// Package report renders quota usage as a spreadsheet.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/relay-bot/internal/quota"
)

// SheetName is the name of the usage worksheet.
const SheetName = "Usage"

var header = []any{
	"User ID",
	"Text Used",
	"Text Limit",
	"Text Resets At",
	"Image Used",
	"Image Limit",
	"Image Resets At",
}

// Options describe the limits in force when the report is generated.
type Options struct {
	TextLimit  int
	ImageLimit int
	Window     time.Duration
}

// WriteXLSX writes one row per user, sorted by user id, to w.
func WriteXLSX(w io.Writer, records map[string]quota.Record, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", "G1", bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}
	if err := f.SetColWidth(SheetName, "A", "A", 24); err != nil {
		return fmt.Errorf("sizing columns: %w", err)
	}
	if err := f.SetColWidth(SheetName, "D", "D", 22); err != nil {
		return fmt.Errorf("sizing columns: %w", err)
	}
	if err := f.SetColWidth(SheetName, "G", "G", 22); err != nil {
		return fmt.Errorf("sizing columns: %w", err)
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		rec := records[id]
		row := []any{
			id,
			rec.TextCount,
			opts.TextLimit,
			formatReset(rec.LastTextReset, opts.Window),
			rec.ImageCount,
			opts.ImageLimit,
			formatReset(rec.LastImageReset, opts.Window),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("writing row for %s: %w", id, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func formatReset(lastReset time.Time, window time.Duration) string {
	return lastReset.Add(window).UTC().Format(time.RFC3339)
}
