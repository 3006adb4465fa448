package loader

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// spreadsheetRecords maps every data row to a record keyed by the sheet's
// header row. Blank cells and fully blank rows are skipped.
func spreadsheetRecords(raw []byte) ([]map[string]any, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer book.Close()

	var records []map[string]any
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) < 2 {
			continue
		}
		header := rows[0]
		for _, row := range rows[1:] {
			rec := make(map[string]any, len(header))
			for i, cell := range row {
				cell = strings.TrimSpace(cell)
				if cell == "" || i >= len(header) {
					continue
				}
				key := strings.TrimSpace(header[i])
				if key == "" {
					key = fmt.Sprintf("column_%d", i+1)
				}
				rec[key] = cell
			}
			if len(rec) == 0 {
				continue
			}
			rec["sheet"] = sheet
			records = append(records, rec)
		}
	}
	return records, nil
}
