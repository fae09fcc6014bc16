package records

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// exportSheet is the worksheet name used by ExportXLSX.
const exportSheet = "records"

// ExportXLSX writes one row per stored entry, in Walk order, to an xlsx
// workbook for manual review of an extraction run.
func (r *Records) ExportXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := []interface{}{"code", "title", "patient_type", "category", "level", "description"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	row := 2
	var werr error
	r.Walk(func(e Entry) {
		if werr != nil {
			return
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			werr = err
			return
		}
		rec := r.byCode[e.Code]
		values := []interface{}{e.Code, rec.TitleString(), string(e.PatientType), string(e.Category), e.Level, e.Description}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			werr = fmt.Errorf("writing row %d: %w", row, err)
			return
		}
		row++
	})
	if werr != nil {
		return werr
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}
