package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// CSVHeader is the first line of every export.
var CSVHeader = []string{"KPA", "Weight %", "Completion %", "Status", "Artefact Count"}

// OverallLabel names the trailing summary row.
const OverallLabel = "OVERALL"

// Row is one exported line, kept as the exact strings written.
type Row struct {
	KPA           string
	Weight        string
	Completion    string
	Status        string
	ArtefactCount string
}

func (r Row) cells() []string {
	return []string{r.KPA, r.Weight, r.Completion, r.Status, r.ArtefactCount}
}

// SummaryRow renders one KPA summary.
func SummaryRow(s KPASummary) Row {
	return Row{
		KPA:           s.KPAName,
		Weight:        strconv.FormatFloat(s.WeightPct, 'f', -1, 64),
		Completion:    formatPct(s.KCR),
		Status:        s.Status,
		ArtefactCount: strconv.Itoa(s.ArtefactCount),
	}
}

// OverallRow renders the trailing line.
func OverallRow(final FinalPerformance) Row {
	return Row{
		KPA:           OverallLabel,
		Weight:        "100",
		Completion:    formatPct(final.OverallScore),
		Status:        final.FinalTier,
		ArtefactCount: "-",
	}
}

// Rows returns every exported line after the header.
func Rows(summaries []KPASummary, final FinalPerformance) []Row {
	rows := make([]Row, 0, len(summaries)+1)
	for _, s := range summaries {
		rows = append(rows, SummaryRow(s))
	}
	return append(rows, OverallRow(final))
}

// WriteCSV writes the summary table.
func WriteCSV(w io.Writer, summaries []KPASummary, final FinalPerformance) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, row := range Rows(summaries, final) {
		if err := cw.Write(row.cells()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV into its KPA rows and the
// overall row.
func ReadCSV(r io.Reader) ([]Row, Row, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, Row{}, err
	}
	if len(records) < 2 {
		return nil, Row{}, fmt.Errorf("csv has no overall row")
	}
	for i, h := range CSVHeader {
		if records[0][i] != h {
			return nil, Row{}, fmt.Errorf("unexpected header %q", records[0])
		}
	}

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != len(CSVHeader) {
			return nil, Row{}, fmt.Errorf("row has %d fields, want %d", len(rec), len(CSVHeader))
		}
		rows = append(rows, Row{KPA: rec[0], Weight: rec[1], Completion: rec[2], Status: rec[3], ArtefactCount: rec[4]})
	}

	overall := rows[len(rows)-1]
	if overall.KPA != OverallLabel {
		return nil, Row{}, fmt.Errorf("last row is %q, want %s", overall.KPA, OverallLabel)
	}
	return rows[:len(rows)-1], overall, nil
}

// WriteXLSX saves the same table as WriteCSV into a workbook.
func WriteXLSX(path string, summaries []KPASummary, final FinalPerformance) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sheet1"
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		idx, err := f.NewSheet(sheet)
		if err != nil {
			return err
		}
		f.SetActiveSheet(idx)
	}

	if err := setRow(f, sheet, 1, CSVHeader); err != nil {
		return err
	}
	for r, row := range Rows(summaries, final) {
		if err := setRow(f, sheet, r+2, row.cells()); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

// setRow writes values into sheet row rowNum (1-based), starting at column A.
func setRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, rowNum)
		if err != nil {
			return fmt.Errorf("row %d: %w", rowNum, err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64)
}
