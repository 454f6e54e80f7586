package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type SupplyRegisterRow struct {
	ID           int             `json:"Id"`
	Type         string          `json:"Type"`
	Status       string          `json:"Status"`
	ColorLabel   string          `json:"ColorLabel"`
	CoatingId    string          `json:"CoatingId"`
	Length       decimal.Decimal `json:"Length"`
	Width        decimal.Decimal `json:"Width"`
	Thickness    decimal.Decimal `json:"Thickness"`
	Supplier     string          `json:"Supplier"`
	Document     string          `json:"Document"`
	UnitPrice    decimal.Decimal `json:"UnitPrice"`
	ParentCoilId int             `json:"ParentCoilId"`
	Date         time.Time       `json:"Date"`
}

func GetSupplyRegisterReport(ctx context.Context, fromDate time.Time, toDate time.Time) ([]*SupplyRegisterRow, error) {

	sql := `
SELECT
    id,
    type,
    status,
    color_label,
    coating_id,
    length,
    width,
    thickness,
    supplier,
    document,
    unit_price,
    parent_coil_id,
    date
FROM
    supply_records
WHERE
    business_id = @businessId
        AND date BETWEEN @fromDate AND @toDate
ORDER BY date , id;
`

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var records []*SupplyRegisterRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"fromDate":   fromDate,
		"toDate":     toDate,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// ExportSupplyRegisterExcel streams the supply register as an xlsx workbook.
func ExportSupplyRegisterExcel(ctx context.Context, w io.Writer, fromDate time.Time, toDate time.Time) error {
	records, err := GetSupplyRegisterReport(ctx, fromDate, toDate)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	// Add headers
	headings := []string{
		"Id", "Type", "Status", "Color", "Coating",
		"Length", "Width", "Thickness", "Supplier", "Document", "Unit Price", "Parent Coil", "Date",
	}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	// Add data
	for i, r := range records {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, r.ID)
		f.SetCellValue(sheetName, "B"+row, r.Type)
		f.SetCellValue(sheetName, "C"+row, r.Status)
		f.SetCellValue(sheetName, "D"+row, r.ColorLabel)
		f.SetCellValue(sheetName, "E"+row, r.CoatingId)
		f.SetCellValue(sheetName, "F"+row, r.Length.InexactFloat64())
		f.SetCellValue(sheetName, "G"+row, r.Width.InexactFloat64())
		f.SetCellValue(sheetName, "H"+row, r.Thickness.InexactFloat64())
		f.SetCellValue(sheetName, "I"+row, r.Supplier)
		f.SetCellValue(sheetName, "J"+row, r.Document)
		f.SetCellValue(sheetName, "K"+row, r.UnitPrice.InexactFloat64())
		f.SetCellValue(sheetName, "L"+row, r.ParentCoilId)
		f.SetCellValue(sheetName, "M"+row, r.Date.Format("2006-01-02"))
	}

	return f.Write(w)
}
