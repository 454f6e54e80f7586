package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID         int            `gorm:"primary_key" json:"id"`
	BusinessId string         `gorm:"index;not null" json:"business_id"`
	Name       string         `gorm:"size:255;not null" json:"name" binding:"required"`
	Sku        string         `gorm:"size:100" json:"sku"`
	Unit       string         `gorm:"size:50" json:"unit"`
	IsActive   *bool          `gorm:"not null;default:true" json:"is_active"`
	Variants   []StockVariant `gorm:"foreignKey:ProductId" json:"variants"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockVariant is one (coating, color) combination of a product with its own
// stock count. CoatingId is "-" for products without a coating dimension.
type StockVariant struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null;uniqueIndex:idx_variant_key" json:"business_id"`
	ProductId  int             `gorm:"not null;uniqueIndex:idx_variant_key" json:"product_id"`
	CoatingId  string          `gorm:"size:100;not null;default:'-';uniqueIndex:idx_variant_key" json:"coating_id"`
	ColorLabel string          `gorm:"size:100;not null;uniqueIndex:idx_variant_key" json:"color_label"`
	Stock      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	IsPublic   *bool           `gorm:"not null;default:false" json:"is_public"`
	Unit       string          `gorm:"size:50" json:"unit"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name string `json:"name" binding:"required"`
	Sku  string `json:"sku"`
	Unit string `json:"unit"`
}

type NewStockVariant struct {
	ProductId  int             `json:"product_id" binding:"required"`
	CoatingId  string          `json:"coating_id"`
	ColorLabel string          `json:"color_label" binding:"required"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	IsPublic   *bool           `json:"is_public"`
	Unit       string          `json:"unit"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	product := Product{
		BusinessId: businessId,
		Name:       input.Name,
		Sku:        input.Sku,
		Unit:       input.Unit,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id, "Variants")
}

func (input *NewStockVariant) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateResourceId[Product](ctx, businessId, input.ProductId); err != nil {
		return utils.NewNotFoundError("product")
	}
	if input.ColorLabel == "" {
		return utils.NewValidationError("color label is required")
	}
	coating := input.CoatingId
	if coating == "" {
		coating = "-"
	}
	// (coating, color) must be unique per product
	count, err := utils.ResourceCountWhere[StockVariant](ctx, businessId,
		"product_id = ? AND coating_id = ? AND color_label = ?", input.ProductId, coating, input.ColorLabel)
	if err != nil {
		return err
	}
	if count > 0 {
		return utils.NewValidationError("variant (%s, %s) already exists for product", coating, input.ColorLabel)
	}
	return nil
}

func CreateStockVariant(ctx context.Context, input *NewStockVariant) (*StockVariant, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	coating := input.CoatingId
	if coating == "" {
		coating = "-"
	}
	variant := StockVariant{
		BusinessId: businessId,
		ProductId:  input.ProductId,
		CoatingId:  coating,
		ColorLabel: input.ColorLabel,
		UnitPrice:  input.UnitPrice,
		IsPublic:   input.IsPublic,
		Unit:       input.Unit,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&variant).Error; err != nil {
		// The pre-check above races with concurrent creates; the unique index is
		// the real guard.
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, utils.NewValidationError("variant (%s, %s) already exists for product", coating, input.ColorLabel)
		}
		return nil, err
	}
	return &variant, nil
}

func GetStockVariant(ctx context.Context, productId int, coatingId string, colorLabel string) (*StockVariant, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if coatingId == "" {
		coatingId = "-"
	}
	var variant StockVariant
	db := config.GetDB()
	err := db.WithContext(ctx).
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
