package segment

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXSplitter yields one text unit per non-empty sheet, rows rendered as
// pipe-delimited lines.
type XLSXSplitter struct{}

func (x *XLSXSplitter) ContentTypes() []string { return []string{TypeXLSX} }

func (x *XLSXSplitter) Split(ctx context.Context, data []byte) (*Units, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	type sheet struct {
		name string
		text string
	}
	var sheets []sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil || len(rows) == 0 {
			continue
		}
		var content strings.Builder
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets = append(sheets, sheet{name: name, text: content.String()})
	}
	if len(sheets) == 0 {
		return nil, ErrEmpty
	}

	return newUnits(len(sheets), func(i int) Unit {
		return Unit{Index: i + 1, Label: sheets[i].name, Text: "Sheet: " + sheets[i].name + "\n" + sheets[i].text}
	}), nil
}
