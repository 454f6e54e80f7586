package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/notify"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxItemIndex = 1000

type Order struct {
	ID           int            `gorm:"primary_key" json:"id"`
	BusinessId   string         `gorm:"index;not null" json:"business_id"`
	Number       string         `gorm:"size:100" json:"number"`
	CustomerName string         `gorm:"size:255" json:"customer_name"`
	Items        datatypes.JSON `json:"items"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is one line of an order's items JSON array. Only the inventory and
// bundle_items sub-keys are ever rewritten by this package; everything else on
// the item belongs to the order service.
type OrderItem struct {
	Id          string          `json:"id"`
	ProductId   int             `json:"product_id"`
	CoatingId   string          `json:"coating_id,omitempty"`
	ColorLabel  string          `json:"color_label,omitempty"`
	Title       string          `json:"title,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	Inventory   *ItemInventory  `json:"inventory,omitempty"`
	BundleItems json.RawMessage `json:"bundle_items,omitempty"`
}

// ItemInventory is the per-item inventory sub-state. Mutated only by the
// ledger operations in this package, never created independently of its item.
type ItemInventory struct {
	Origin         ItemOrigin                `json:"origin,omitempty"`
	Ready          *bool                     `json:"ready,omitempty"`
	RdyDate        *time.Time                `json:"rdy_date,omitempty"`
	RdyUser        int                       `json:"rdy_user,omitempty"`
	IsuDate        *time.Time                `json:"isu_date,omitempty"`
	IsuUser        int                       `json:"isu_user,omitempty"`
	WrtDate        *time.Time                `json:"wrt_date,omitempty"`
	WrtUser        int                       `json:"wrt_user,omitempty"`
	CoilId         int                       `json:"coil_id,omitempty"`
	WriteoffLength decimal.Decimal           `json:"writeoff_length,omitempty"`
	WidthWriteoff  decimal.Decimal           `json:"width_writeoff,omitempty"`
	LengthWriteoff decimal.Decimal           `json:"length_writeoff,omitempty"`
	Worklog        map[string]ItemWorklogRef `json:"worklog,omitempty"`
}

// ItemWorklogRef ties an item to the worklog entry of one action type.
type ItemWorklogRef struct {
	Qty       decimal.Decimal `json:"qty"`
	Time      time.Time       `json:"time"`
	WorklogId int             `json:"worklog_id"`
}

type ItemInventoryPatch struct {
	Origin  *ItemOrigin `json:"origin"`
	Ready   *bool       `json:"ready"`
	RdyDate *time.Time  `json:"rdy_date"`
	RdyUser *int        `json:"rdy_user"`
	// ClearIssued nulls isu_date/isu_user; issuing itself goes through the worklog.
	ClearIssued bool `json:"clear_issued"`
}

type UpdateItemInput struct {
	OrderId     int                 `json:"order_id" binding:"required"`
	ItemIndex   *int                `json:"item_index"`
	ItemId      string              `json:"item_id"`
	Inventory   *ItemInventoryPatch `json:"inventory"`
	BundleItems json.RawMessage     `json:"bundle_items"`
}

type IssueItemInput struct {
	OrderId   int    `json:"order_id" binding:"required"`
	ItemIndex *int   `json:"item_index"`
	ItemId    string `json:"item_id"`
}

// ItemChangeResult is returned by the item-level operations; Items carries the
// full updated items array for the broadcast.
type ItemChangeResult struct {
	OrderId   int             `json:"order_id"`
	ItemId    string          `json:"item_id"`
	WorklogId int             `json:"worklog_id,omitempty"`
	Items     json.RawMessage `json:"items"`
}

// fetchOrderItemsForUpdate locks the order row and decodes its items array.
func fetchOrderItemsForUpdate(tx *gorm.DB, businessId string, orderId int) (*Order, []OrderItem, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, orderId).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, utils.NewNotFoundError("order")
		}
		return nil, nil, err
	}
	var items []OrderItem
	if len(order.Items) > 0 {
		if err := json.Unmarshal(order.Items, &items); err != nil {
			return nil, nil, err
		}
	}
	return &order, items, nil
}

// findOrderItem locates an item by id token or positional index.
func findOrderItem(items []OrderItem, index *int, itemId string) (int, error) {
	if itemId != "" {
		if err := utils.ValidateItemToken(itemId); err != nil {
			return 0, err
		}
		for i := range items {
			if items[i].Id == itemId {
				return i, nil
			}
		}
		return 0, utils.NewNotFoundError("order item")
	}
	if index == nil {
		return 0, utils.NewValidationError("item index or item id is required")
	}
	if *index < 0 || *index > maxItemIndex {
		return 0, utils.NewValidationError("item index out of range")
	}
	if *index >= len(items) {
		return 0, utils.NewNotFoundError("order item")
	}
	return *index, nil
}

// saveOrderItemsTx rewrites the order's items array in one statement.
func saveOrderItemsTx(tx *gorm.DB, businessId string, orderId int, items []OrderItem) (json.RawMessage, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	err = tx.Exec("UPDATE orders SET items = ?, updated_at = ? WHERE business_id = ? AND id = ?",
		raw, time.Now().UTC(), businessId, orderId).Error
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func mergeItemInventory(item *OrderItem, patch *ItemInventoryPatch, userId int) {
	if patch == nil {
		return
	}
	if item.Inventory == nil {
		item.Inventory = &ItemInventory{}
	}
	inv := item.Inventory
	if patch.Origin != nil {
		inv.Origin = *patch.Origin
	}
	if patch.Ready != nil {
		inv.Ready = patch.Ready
		if *patch.Ready {
			now := time.Now().UTC()
			inv.RdyDate = &now
			inv.RdyUser = userId
		}
	}
	if patch.RdyDate != nil {
		inv.RdyDate = patch.RdyDate
	}
	if patch.RdyUser != nil {
		inv.RdyUser = *patch.RdyUser
	}
	if patch.ClearIssued {
		inv.IsuDate = nil
		inv.IsuUser = 0
	}
}

// UpdateItem merges the inventory and bundle_items sub-keys of one order item
// and rewrites the items array in a single statement. The rest of the item is
// never overwritten.
func UpdateItem(ctx context.Context, input *UpdateItemInput) (*ItemChangeResult, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}
	if input.Inventory != nil && input.Inventory.Origin != nil && !input.Inventory.Origin.Valid() {
		return nil, utils.NewValidationError("invalid item origin %q", *input.Inventory.Origin)
	}

	db := config.GetDB()
	tx := db.Begin()

	order, items, err := fetchOrderItemsForUpdate(tx.WithContext(ctx), businessId, input.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	idx, err := findOrderItem(items, input.ItemIndex, input.ItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	mergeItemInventory(&items[idx], input.Inventory, userId)
	if input.BundleItems != nil {
		items[idx].BundleItems = input.BundleItems
	}

	raw, err := saveOrderItemsTx(tx.WithContext(ctx), businessId, order.ID, items)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	result := &ItemChangeResult{
		OrderId: order.ID,
		ItemId:  items[idx].Id,
		Items:   raw,
	}
	if err := PublishStockChange(ctx, tx.WithContext(ctx), businessId, order.ID, EventReferenceTypeOrderItem, result, nil, PubSubMessageActionUpdate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	broadcastItemChange(businessId, result)
	return result, nil
}

// IssueItem marks one order item as issued from the warehouse. It records the
// issue through the worklog so the action shows up in the journal; issuing an
// already-issued item is a no-op.
func IssueItem(ctx context.Context, input *IssueItemInput) (*ItemChangeResult, error) {
	return CreateWorkLog(ctx, &NewWorkLog{
		Type:      WorkLogTypeIssue,
		OrderId:   input.OrderId,
		ItemIndex: input.ItemIndex,
		ItemId:    input.ItemId,
	})
}

func broadcastItemChange(businessId string, result *ItemChangeResult) {
	notify.GlobalHub.Broadcast(notify.Event{
		Type:       notify.EventTypeItemChange,
		BusinessId: businessId,
		OrderId:    result.OrderId,
		ItemId:     result.ItemId,
		WorklogId:  result.WorklogId,
		Items:      result.Items,
	})
}

// CreateOrder exists for intake from the order service; items arrive as an
// opaque array and are stored as-is.
func CreateOrder(ctx context.Context, number string, customerName string, items []OrderItem) (*Order, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	order := Order{
		BusinessId:   businessId,
		Number:       number,
		CustomerName: customerName,
		Items:        raw,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Order](ctx, businessId, id)
}
