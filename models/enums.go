package models

// WorkLogType identifies a ledger-affecting action recorded in the work log.
type WorkLogType string

const (
	WorkLogTypeReplenishment WorkLogType = "stock-replenishment"
	WorkLogTypeWriteOff      WorkLogType = "stock-write-off"
	WorkLogTypeCutting       WorkLogType = "cutting"
	WorkLogTypeIssue         WorkLogType = "issue"
)

func (t WorkLogType) Valid() bool {
	switch t {
	case WorkLogTypeReplenishment, WorkLogTypeWriteOff, WorkLogTypeCutting, WorkLogTypeIssue:
		return true
	}
	return false
}

type SupplyType string

const (
	SupplyTypeMetal SupplyType = "metal"
	SupplyTypeStock SupplyType = "stock"
)

func (t SupplyType) Valid() bool {
	return t == SupplyTypeMetal || t == SupplyTypeStock
}

type SupplyStatus string

const (
	SupplyStatusAvailable SupplyStatus = "available"
	SupplyStatusConsumed  SupplyStatus = "consumed"
)

// ItemOrigin records where an order item's material comes from.
type ItemOrigin string

const (
	ItemOriginCustomer     ItemOrigin = "customer-supplied"
	ItemOriginWarehouse    ItemOrigin = "warehouse"
	ItemOriginManufactured ItemOrigin = "manufactured"
)

func (o ItemOrigin) Valid() bool {
	switch o {
	case ItemOriginCustomer, ItemOriginWarehouse, ItemOriginManufactured:
		return true
	}
	return false
}

type EventReferenceType string

const (
	EventReferenceTypeWorkLog   EventReferenceType = "WORKLOG"
	EventReferenceTypeOrderItem EventReferenceType = "ORDER_ITEM"
	EventReferenceTypeSupply    EventReferenceType = "SUPPLY"
)

type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "Create"
	PubSubMessageActionUpdate PubSubMessageAction = "Update"
	PubSubMessageActionDelete PubSubMessageAction = "Delete"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
