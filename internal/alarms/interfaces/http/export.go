package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "ess-cloud/internal/alarms/domain"
)

// BuildHistoryXLSX renders an archive report workbook.
func BuildHistoryXLSX(records []alarms.HistoryRecord) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "history"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{
		"Device SN", "Alarm Type", "Code", "Level",
		"First Triggered", "Last Triggered", "Repeat Count",
		"Confirmed By", "Cleared At", "Cleared By", "Duration (s)", "Remark",
	}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, header)
	}

	for i, record := range records {
		row := i + 2
		values := []any{
			record.DeviceSN,
			record.AlarmType,
			record.Code,
			record.Level,
			record.FirstTriggeredAt.Format(time.RFC3339),
			record.LastTriggeredAt.Format(time.RFC3339),
			record.RepeatCount,
			record.ConfirmedBy,
			record.ClearedAt.Format(time.RFC3339),
			record.ClearedBy,
			record.Duration.Seconds(),
			record.Remark,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryPDF renders an archive report PDF, landscape to fit the
// timestamp columns.
func BuildHistoryPDF(records []alarms.HistoryRecord) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm History")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", len(records)))
	pdf.Ln(8)

	widths := []float64{28, 34, 18, 20, 40, 40, 18, 26, 40, 22}
	headers := []string{
		"Device SN", "Type", "Code", "Level",
		"First Triggered", "Cleared At", "Repeats",
		"Cleared By", "Duration", "Remark",
	}
	pdf.SetFont("Arial", "B", 8)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 6, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, record := range records {
		cells := []string{
			record.DeviceSN,
			record.AlarmType,
			fmt.Sprintf("%d", record.Code),
			record.Level,
			record.FirstTriggeredAt.Format("2006-01-02 15:04:05"),
			record.ClearedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d", record.RepeatCount),
			record.ClearedBy,
			record.Duration.Truncate(time.Second).String(),
			record.Remark,
		}
		for i, cell := range cells {
			pdf.CellFormat(widths[i], 6, cell, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
