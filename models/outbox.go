package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventOutboxRecord is a stock event staged inside the same transaction as the
// ledger mutation it describes. The outbox dispatcher drains PENDING rows to
// Pub/Sub; a mutation that commits is therefore never silently unannounced.
type EventOutboxRecord struct {
	ID                  int                 `gorm:"primary_key" json:"id"`
	BusinessId          string              `gorm:"index;not null" json:"business_id"`
	TransactionDateTime time.Time           `json:"transaction_date_time"`
	ReferenceId         int                 `gorm:"index" json:"reference_id"`
	ReferenceType       EventReferenceType  `gorm:"size:30" json:"reference_type"`
	Action              PubSubMessageAction `gorm:"size:20" json:"action"`
	OldObj              datatypes.JSON      `json:"old_obj"`
	NewObj              datatypes.JSON      `json:"new_obj"`
	CorrelationId       string              `gorm:"size:64" json:"correlation_id"`
	PublishStatus       string              `gorm:"size:20;index;default:'PENDING'" json:"publish_status"`
	Attempts            int                 `gorm:"default:0" json:"attempts"`
	LastError           string              `gorm:"size:500" json:"last_error"`
	LockedAt            *time.Time          `json:"locked_at"`
	LockedBy            string              `gorm:"size:100" json:"locked_by"`
	NextAttemptAt       *time.Time          `gorm:"index" json:"next_attempt_at"`
	PublishedMessageId  string              `gorm:"size:100" json:"published_message_id"`
	CreatedAt           time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishStockChange stages a stock event in the outbox inside tx. Old and new
// snapshots are marshalled here so the dispatcher never needs the models.
func PublishStockChange(ctx context.Context, tx *gorm.DB, businessId string, referenceId int, referenceType EventReferenceType, newObj any, oldObj any, action PubSubMessageAction) error {
	var (
		newRaw []byte
		oldRaw []byte
		err    error
	)
	if newObj != nil {
		if newRaw, err = json.Marshal(newObj); err != nil {
			return err
		}
	}
	if oldObj != nil {
		if oldRaw, err = json.Marshal(oldObj); err != nil {
			return err
		}
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	now := time.Now().UTC()
	record := EventOutboxRecord{
		BusinessId:          businessId,
		TransactionDateTime: now,
		ReferenceId:         referenceId,
		ReferenceType:       referenceType,
		Action:              action,
		OldObj:              newRawOrNil(oldRaw),
		NewObj:              newRawOrNil(newRaw),
		CorrelationId:       correlationId,
		PublishStatus:       OutboxPublishStatusPending,
		NextAttemptAt:       &now,
	}
	return tx.Create(&record).Error
}

func newRawOrNil(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

// ConvertToPubSubMessage maps an outbox row to the published wire shape.
func (r *EventOutboxRecord) ConvertToPubSubMessage() config.PubSubMessage {
	return config.PubSubMessage{
		ID:                  r.ID,
		BusinessId:          r.BusinessId,
		TransactionDateTime: r.TransactionDateTime,
		ReferenceId:         r.ReferenceId,
		ReferenceType:       string(r.ReferenceType),
		Action:              string(r.Action),
		OldObj:              r.OldObj,
		NewObj:              r.NewObj,
		CorrelationId:       r.CorrelationId,
	}
}
