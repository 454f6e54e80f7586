package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Business struct {
	ID        string         `gorm:"primary_key;size:36" json:"id"`
	Name      string         `gorm:"size:255;not null" json:"name" binding:"required"`
	Timezone  string         `gorm:"size:100;default:'UTC'" json:"timezone"`
	Settings  datatypes.JSON `json:"settings"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name     string `json:"name" binding:"required"`
	Timezone string `json:"timezone"`
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if input.Name == "" {
		return nil, errors.New("business name is required")
	}
	business := Business{
		ID:       uuid.NewString(),
		Name:     input.Name,
		Timezone: input.Timezone,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {
	var business Business
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", businessId).First(&business).Error; err != nil {
		return nil, errors.New("business not found")
	}
	return &business, nil
}

// LoadBusinessSettings is the loader behind config.SettingsCache.
func LoadBusinessSettings(ctx context.Context, businessId string) (map[string]string, error) {
	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	settings := map[string]string{}
	if len(business.Settings) > 0 {
		if err := json.Unmarshal(business.Settings, &settings); err != nil {
			return nil, err
		}
	}
	return settings, nil
}
