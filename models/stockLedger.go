package models

import (
	"context"
	"errors"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lockStockVariant takes a row lock on the variant before any read-modify-write.
// Every stock path goes through this; current values are never replaced without
// holding the lock.
func lockStockVariant(tx *gorm.DB, businessId string, productId int, coatingId string, colorLabel string) (*StockVariant, error) {
	if coatingId == "" {
		coatingId = "-"
	}
	var variant StockVariant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND product_id = ? AND coating_id = ? AND color_label = ?",
			businessId, productId, coatingId, colorLabel).
		First(&variant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("stock variant")
		}
		return nil, err
	}
	return &variant, nil
}

func validateVariantKey(coatingId string, colorLabel string) error {
	if colorLabel == "" {
		return utils.NewValidationError("color label is required")
	}
	// coatingId may be empty; it normalizes to "-"
	return nil
}

// adjustStockTx applies a signed delta to the variant's stock inside the
// caller's transaction. Negative stock is permitted (backorder signal).
// adjust(+d) followed by adjust(-d) restores the exact prior value.
func adjustStockTx(tx *gorm.DB, businessId string, productId int, coatingId string, colorLabel string, delta decimal.Decimal) error {
	if err := validateVariantKey(coatingId, colorLabel); err != nil {
		return err
	}
	if err := utils.ValidateQuantity(delta); err != nil {
		return err
	}
	variant, err := lockStockVariant(tx, businessId, productId, coatingId, colorLabel)
	if err != nil {
		return err
	}
	return tx.Exec("UPDATE stock_variants SET stock = stock + ? WHERE id = ?", delta, variant.ID).Error
}

// setStockTx replaces the variant's stock with an absolute value.
func setStockTx(tx *gorm.DB, businessId string, productId int, coatingId string, colorLabel string, value decimal.Decimal) error {
	if err := validateVariantKey(coatingId, colorLabel); err != nil {
		return err
	}
	if err := utils.ValidateQuantity(value); err != nil {
		return err
	}
	variant, err := lockStockVariant(tx, businessId, productId, coatingId, colorLabel)
	if err != nil {
		return err
	}
	return tx.Exec("UPDATE stock_variants SET stock = ? WHERE id = ?", value, variant.ID).Error
}

// AdjustStock is the standalone single-variant adjustment. Multi-row procedures
// (cutting, repeated write-off) compose adjustStockTx inside their own
// transactions instead.
func AdjustStock(ctx context.Context, productId int, coatingId string, colorLabel string, delta decimal.Decimal) (*StockVariant, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	release, err := utils.BusinessLock(ctx, businessId, "stockLock", "stockLedger.go", "AdjustStock")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()
	if err := adjustStockTx(tx.WithContext(ctx), businessId, productId, coatingId, colorLabel, delta); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetStockVariant(ctx, productId, coatingId, colorLabel)
}

// SetStock replaces a variant's stock absolutely.
func SetStock(ctx context.Context, productId int, coatingId string, colorLabel string, value decimal.Decimal) (*StockVariant, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	release, err := utils.BusinessLock(ctx, businessId, "stockLock", "stockLedger.go", "SetStock")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	tx := db.Begin()
	if err := setStockTx(tx.WithContext(ctx), businessId, productId, coatingId, colorLabel, value); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetStockVariant(ctx, productId, coatingId, colorLabel)
}
