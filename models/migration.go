package models

import (
	"bitbucket.org/profmetal/steel_backend/config"
)

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Business{},
		&Product{},
		&StockVariant{},
		&SupplyRecord{},
		&Order{},
		&WorkLogEntry{},
		&WriteoffLedgerRecord{},
		&EventOutboxRecord{},
	)
}
