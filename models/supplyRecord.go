package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SupplyRecord is one row of the supply register: a raw coil (type metal) or a
// pre-cut sheet produced from a coil (type stock). Coils are created by supply
// intake and mutated only by cutting (length decrement) or its reversal.
// Stock rows are created exclusively by a cutting action and deleted
// exclusively by that action's reversal.
type SupplyRecord struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	Type         SupplyType      `gorm:"type:enum('metal','stock');not null" json:"type"`
	Status       SupplyStatus    `gorm:"type:enum('available','consumed');not null;default:'available'" json:"status"`
	SheetId      string          `gorm:"index;size:36;default:null" json:"sheet_id"`
	ParentCoilId int             `gorm:"index;default:null" json:"parent_coil_id"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	Length       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"length"`
	Width        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"width"`
	Thickness    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"thickness"`
	ColorLabel   string          `gorm:"size:100" json:"color_label"`
	CoatingId    string          `gorm:"size:100;default:'-'" json:"coating_id"`
	Supplier     string          `gorm:"size:255" json:"supplier"`
	Origin       string          `gorm:"size:255" json:"origin"`
	Document     string          `gorm:"size:255" json:"document"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Notes        string          `gorm:"type:text" json:"notes"`
	UserId       int             `json:"user_id"`
	Date         time.Time       `json:"date"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSupplyRecord struct {
	Type      SupplyType      `json:"type" binding:"required"`
	Qty       decimal.Decimal `json:"qty"`
	Length    decimal.Decimal `json:"length"`
	Width     decimal.Decimal `json:"width"`
	Thickness decimal.Decimal `json:"thickness"`

	ColorLabel string          `json:"color_label"`
	CoatingId  string          `json:"coating_id"`
	Supplier   string          `json:"supplier"`
	Origin     string          `json:"origin"`
	Document   string          `json:"document"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Notes      string          `json:"notes"`
	Date       time.Time       `json:"date"`
}

// CutSheet is one produced sheet in a cutting action's worklog payload.
// SheetId is assigned at creation for stock-flagged sheets and carried on the
// worklog so reversal never has to guess among duplicate dimensions.
type CutSheet struct {
	SheetId   string          `json:"sheet_id,omitempty"`
	IsStock   bool            `json:"is_stock"`
	BatchTag  string          `json:"batch_tag"`
	Length    decimal.Decimal `json:"length"`
	Width     decimal.Decimal `json:"width"`
	Thickness decimal.Decimal `json:"thickness"`
}

// CutItemRef is one order item affected by a cutting action.
type CutItemRef struct {
	OrderId        int             `json:"order_id"`
	ItemId         string          `json:"item_id"`
	WidthWriteoff  decimal.Decimal `json:"width_writeoff"`
	LengthWriteoff decimal.Decimal `json:"length_writeoff"`
}

func (input *NewSupplyRecord) validate() error {
	if !input.Type.Valid() {
		return utils.NewValidationError("invalid supply type %q", input.Type)
	}
	if input.Type == SupplyTypeStock {
		// stock rows only ever come out of a cutting action
		return utils.NewValidationError("stock records are created by cutting, not by intake")
	}
	if input.Length.LessThanOrEqual(decimal.Zero) {
		return utils.NewValidationError("coil length must be positive")
	}
	if err := utils.ValidateQuantity(input.Length); err != nil {
		return err
	}
	if input.ColorLabel == "" {
		return utils.NewValidationError("color label is required")
	}
	return nil
}

// CreateSupplyRecord registers an incoming coil.
func CreateSupplyRecord(ctx context.Context, input *NewSupplyRecord) (*SupplyRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}

	coating := input.CoatingId
	if coating == "" {
		coating = "-"
	}
	date := input.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	record := SupplyRecord{
		BusinessId: businessId,
		Type:       input.Type,
		Status:     SupplyStatusAvailable,
		Qty:        input.Qty,
		Length:     input.Length,
		Width:      input.Width,
		Thickness:  input.Thickness,
		ColorLabel: input.ColorLabel,
		CoatingId:  coating,
		Supplier:   input.Supplier,
		Origin:     input.Origin,
		Document:   input.Document,
		UnitPrice:  input.UnitPrice,
		Notes:      input.Notes,
		UserId:     userId,
		Date:       date,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func GetSupplyRecord(ctx context.Context, id int) (*SupplyRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[SupplyRecord](ctx, businessId, id)
}

// ListSupplyRecords returns supply rows newest-first, keyset-paginated on id.
func ListSupplyRecords(ctx context.Context, supplyType *SupplyType, status *SupplyStatus, limit int, afterId *int) ([]*SupplyRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if supplyType != nil {
		dbCtx = dbCtx.Where("type = ?", *supplyType)
	}
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if afterId != nil && *afterId > 0 {
		dbCtx = dbCtx.Where("id < ?", *afterId)
	}
	var records []*SupplyRecord
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// lockCoil fetches the parent coil FOR UPDATE and checks it really is a coil.
func lockCoil(tx *gorm.DB, businessId string, coilId int) (*SupplyRecord, error) {
	var coil SupplyRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, coilId).
		First(&coil).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("coil")
		}
		return nil, err
	}
	if coil.Type != SupplyTypeMetal {
		return nil, utils.NewValidationError("supply record %d is not a coil", coilId)
	}
	return &coil, nil
}

// executeCuttingTx applies the supply-register side of a cutting action inside
// the caller's transaction:
//   - one new stock SupplyRecord per stock-flagged produced sheet
//   - the parent coil's length decremented once per batch group, by the
//     group's summed consumed length
//
// Sheet ids are written back into the sheets slice so the worklog entry
// carries them for reversal.
func executeCuttingTx(tx *gorm.DB, businessId string, userId int, coilId int, sheets []CutSheet) error {
	coil, err := lockCoil(tx, businessId, coilId)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range sheets {
		if !sheets[i].IsStock {
			continue
		}
		sheets[i].SheetId = uuid.NewString()
		stockSheet := SupplyRecord{
			BusinessId:   businessId,
			Type:         SupplyTypeStock,
			Status:       SupplyStatusAvailable,
			SheetId:      sheets[i].SheetId,
			ParentCoilId: coil.ID,
			Qty:          decimal.NewFromInt(1),
			Length:       sheets[i].Length,
			Width:        sheets[i].Width,
			Thickness:    sheets[i].Thickness,
			ColorLabel:   coil.ColorLabel,
			CoatingId:    coil.CoatingId,
			UserId:       userId,
			Date:         now,
		}
		if err := tx.Create(&stockSheet).Error; err != nil {
			return err
		}
	}

	// one length decrement per batch group, not per sheet
	groups := groupConsumedLength(sheets)
	for _, consumed := range groups {
		if err := tx.Exec("UPDATE supply_records SET length = length - ? WHERE id = ?", consumed, coil.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// revertCuttingTx undoes the supply-register side of a cutting action: the
// coil's length is restored and every stock sheet the action produced is
// removed. Sheets are matched by their stable sheet id; entries recorded
// before ids existed fall back to the (coil, length, width) triple. A sheet
// already gone is a consistency warning, not a failure.
func revertCuttingTx(tx *gorm.DB, businessId string, coilId int, sheets []CutSheet) error {
	coil, err := lockCoil(tx, businessId, coilId)
	if err != nil {
		return err
	}

	groups := groupConsumedLength(sheets)
	for _, consumed := range groups {
		if err := tx.Exec("UPDATE supply_records SET length = length + ? WHERE id = ?", consumed, coil.ID).Error; err != nil {
			return err
		}
	}

	logger := config.GetLogger()
	for _, sheet := range sheets {
		if !sheet.IsStock {
			continue
		}
		var res *gorm.DB
		if sheet.SheetId != "" {
			res = tx.Where("business_id = ? AND sheet_id = ?", businessId, sheet.SheetId).
				Delete(&SupplyRecord{})
		} else {
			res = tx.Where("business_id = ? AND type = ? AND parent_coil_id = ? AND length = ? AND width = ?",
				businessId, SupplyTypeStock, coil.ID, sheet.Length, sheet.Width).
				Limit(1).
				Delete(&SupplyRecord{})
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			config.LogWarn(logger, "supplyRecord.go", "revertCuttingTx",
				"stock sheet already removed; skipping", map[string]any{
					"business_id": businessId,
					"coil_id":     coil.ID,
					"sheet_id":    sheet.SheetId,
				})
		}
	}
	return nil
}

func groupConsumedLength(sheets []CutSheet) map[string]decimal.Decimal {
	groups := make(map[string]decimal.Decimal)
	for _, sheet := range sheets {
		groups[sheet.BatchTag] = groups[sheet.BatchTag].Add(sheet.Length)
	}
	return groups
}
