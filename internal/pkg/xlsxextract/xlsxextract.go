// Package xlsxextract turns workbook sheets into CSV-like text blocks.
package xlsxextract

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Result holds the concatenated sheet text and the number of sheets read.
type Result struct {
	Text   string
	Sheets int
}

// ExtractFile converts every sheet of the workbook at path into a block of
// the form "Sheet: <name>\n<csv rows>" and joins the blocks with a blank line.
func ExtractFile(path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx failed: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	blocks := make([]string, 0, len(sheets))
	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q failed: %w", name, err)
		}
		block, err := sheetToCSV(name, rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return &Result{Text: strings.Join(blocks, "\n\n"), Sheets: len(sheets)}, nil
}

func sheetToCSV(name string, rows [][]string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Sheet: ")
	sb.WriteString(name)
	sb.WriteString("\n")

	w := csv.NewWriter(&sb)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("write sheet %q as csv failed: %w", name, err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
