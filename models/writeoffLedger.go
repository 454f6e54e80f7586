package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WriteoffLedgerRecord remembers the last write-off amount applied for one
// (order, product, item) combination. Repeated write-offs are "set, not add":
// the previous amount is undone before the new one is applied, so the net
// effect on stock is always exactly the latest amount.
type WriteoffLedgerRecord struct {
	ID             string          `gorm:"primary_key;size:60" json:"id"`
	BusinessId     string          `gorm:"index;not null" json:"business_id"`
	OrderId        int             `gorm:"index;not null" json:"order_id"`
	ProductId      int             `gorm:"not null" json:"product_id"`
	ItemId         string          `gorm:"size:17" json:"item_id"`
	CoatingId      string          `gorm:"size:100;default:'-'" json:"coating_id"`
	ColorLabel     string          `gorm:"size:100" json:"color_label"`
	WriteoffAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"writeoff_amount"`
	UpdatedBy      int             `json:"updated_by"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type UpdateStockInput struct {
	OrderId    int             `json:"order_id" binding:"required"`
	ItemId     string          `json:"item_id" binding:"required,itemtoken"`
	ProductId  int             `json:"product_id" binding:"required"`
	CoatingId  string          `json:"coating_id"`
	ColorLabel string          `json:"color_label" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

func writeoffLedgerKey(orderId int, productId int, itemId string) string {
	return fmt.Sprintf("%d-%d-%s", orderId, productId, itemId)
}

func (input *UpdateStockInput) validate() error {
	if err := utils.ValidateItemToken(input.ItemId); err != nil {
		return err
	}
	if input.ColorLabel == "" {
		return utils.NewValidationError("color label is required")
	}
	if input.Amount.IsNegative() {
		return utils.NewValidationError("write-off amount cannot be negative")
	}
	return utils.ValidateQuantity(input.Amount)
}

// UpdateStock records an item's write-off against stock with set semantics.
// An amount of zero clears the item's write-off entirely.
func UpdateStock(ctx context.Context, input *UpdateStockInput) (*StockVariant, error) {
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

	release, err := utils.BusinessLock(ctx, businessId, "stockLock", "writeoffLedger.go", "UpdateStock")
	if err != nil {
		return nil, err
	}
	defer release()

	coating := input.CoatingId
	if coating == "" {
		coating = "-"
	}
	key := writeoffLedgerKey(input.OrderId, input.ProductId, input.ItemId)

	db := config.GetDB()
	tx := db.Begin()
	txCtx := tx.WithContext(ctx)

	var record WriteoffLedgerRecord
	prev := decimal.Zero
	err = txCtx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, key).
		First(&record).Error
	switch {
	case err == nil:
		prev = record.WriteoffAmount
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first write-off for this combination
	default:
		tx.Rollback()
		return nil, err
	}

	// undo the prior amount and apply the new one as a single delta
	delta := prev.Sub(input.Amount)
	if !delta.IsZero() {
		if err := adjustStockTx(txCtx, businessId, input.ProductId, coating, input.ColorLabel, delta); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	record = WriteoffLedgerRecord{
		ID:             key,
		BusinessId:     businessId,
		OrderId:        input.OrderId,
		ProductId:      input.ProductId,
		ItemId:         input.ItemId,
		CoatingId:      coating,
		ColorLabel:     input.ColorLabel,
		WriteoffAmount: input.Amount,
		UpdatedBy:      userId,
	}
	if input.Amount.IsZero() {
		if err := txCtx.Where("business_id = ? AND id = ?", businessId, key).
			Delete(&WriteoffLedgerRecord{}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	} else {
		err = txCtx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"writeoff_amount", "coating_id", "color_label", "updated_by", "updated_at",
			}),
		}).Create(&record).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := PublishStockChange(ctx, txCtx, businessId, input.OrderId, EventReferenceTypeOrderItem, &record, nil, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetStockVariant(ctx, input.ProductId, coating, input.ColorLabel)
}

// GetWriteoffLedgerRecord returns the remembered amount for one combination,
// or nil when no write-off is on record.
func GetWriteoffLedgerRecord(ctx context.Context, orderId int, productId int, itemId string) (*WriteoffLedgerRecord, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var record WriteoffLedgerRecord
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, writeoffLedgerKey(orderId, productId, itemId)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
