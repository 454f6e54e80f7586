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
)

// WorkLogEntry is one row of the work log journal. Every ledger-affecting
// action is recorded here with enough payload to reverse it later; the entry
// is inserted in the same transaction as the mutation it describes.
type WorkLogEntry struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Type       WorkLogType     `gorm:"type:enum('stock-replenishment','stock-write-off','cutting','issue');not null" json:"type"`
	ProductId  int             `gorm:"index;default:null" json:"product_id"`
	CoatingId  string          `gorm:"size:100" json:"coating_id"`
	ColorLabel string          `gorm:"size:100" json:"color_label"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	CoilId     int             `gorm:"index;default:null" json:"coil_id"`
	OrderId    int             `gorm:"index;default:null" json:"order_id"`
	ItemId     string          `gorm:"size:17" json:"item_id"`
	Sheets     datatypes.JSON  `json:"sheets"`
	Items      datatypes.JSON  `json:"items"`
	UserId     int             `json:"user_id"`
	Time       time.Time       `json:"time"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWorkLog struct {
	Type WorkLogType `json:"type" binding:"required"`

	// stock-replenishment / stock-write-off
	ProductId  int             `json:"product_id"`
	CoatingId  string          `json:"coating_id"`
	ColorLabel string          `json:"color_label"`
	Qty        decimal.Decimal `json:"qty"`

	// cutting
	CoilId int          `json:"coil_id"`
	Sheets []CutSheet   `json:"sheets"`
	Items  []CutItemRef `json:"items"`

	// issue
	OrderId   int    `json:"order_id"`
	ItemIndex *int   `json:"item_index"`
	ItemId    string `json:"item_id"`

	Time time.Time `json:"time"`
}

func (input *NewWorkLog) validate() error {
	if !input.Type.Valid() {
		return utils.NewValidationError("invalid worklog type %q", input.Type)
	}
	switch input.Type {
	case WorkLogTypeReplenishment, WorkLogTypeWriteOff:
		if input.ProductId == 0 {
			return utils.NewValidationError("product id is required")
		}
		if input.ColorLabel == "" {
			return utils.NewValidationError("color label is required")
		}
		if input.Qty.LessThanOrEqual(decimal.Zero) {
			return utils.NewValidationError("quantity must be positive")
		}
		if err := utils.ValidateQuantity(input.Qty); err != nil {
			return err
		}
		// an order-item link needs both halves of the reference
		if (input.OrderId != 0) != (input.ItemId != "") {
			return utils.NewValidationError("order id and item id are required together")
		}
		if input.ItemId != "" {
			if err := utils.ValidateItemToken(input.ItemId); err != nil {
				return err
			}
		}
	case WorkLogTypeCutting:
		if input.CoilId == 0 {
			return utils.NewValidationError("coil id is required")
		}
		if len(input.Sheets) == 0 {
			return utils.NewValidationError("cutting requires at least one sheet")
		}
		for _, sheet := range input.Sheets {
			if sheet.Length.LessThanOrEqual(decimal.Zero) {
				return utils.NewValidationError("sheet length must be positive")
			}
			if err := utils.ValidateQuantity(sheet.Length); err != nil {
				return err
			}
		}
		for _, item := range input.Items {
			if item.OrderId == 0 || item.ItemId == "" {
				return utils.NewValidationError("cutting item refs need order id and item id")
			}
			if err := utils.ValidateItemToken(item.ItemId); err != nil {
				return err
			}
		}
	case WorkLogTypeIssue:
		if input.OrderId == 0 {
			return utils.NewValidationError("order id is required")
		}
		if input.ItemIndex == nil && input.ItemId == "" {
			return utils.NewValidationError("item index or item id is required")
		}
	}
	return nil
}

type orderItemsSnapshot struct {
	OrderId int
	ItemId  string
	Raw     json.RawMessage
}

// mergeWorklogRef records this worklog entry in an item's per-action map.
func mergeWorklogRef(item *OrderItem, logType WorkLogType, ref ItemWorklogRef) {
	if item.Inventory == nil {
		item.Inventory = &ItemInventory{}
	}
	if item.Inventory.Worklog == nil {
		item.Inventory.Worklog = make(map[string]ItemWorklogRef)
	}
	item.Inventory.Worklog[string(logType)] = ref
}

// removeWorklogRef drops the map key for an action; an emptied map is removed.
func removeWorklogRef(item *OrderItem, logType WorkLogType) {
	if item.Inventory == nil || item.Inventory.Worklog == nil {
		return
	}
	delete(item.Inventory.Worklog, string(logType))
	if len(item.Inventory.Worklog) == 0 {
		item.Inventory.Worklog = nil
	}
}

// mergeLinkedItemTx records a worklog entry on the order item it is linked to
// and rewrites the order's items array.
func mergeLinkedItemTx(tx *gorm.DB, businessId string, orderId int, itemId string, logType WorkLogType, ref ItemWorklogRef) (*orderItemsSnapshot, error) {
	order, items, err := fetchOrderItemsForUpdate(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}
	idx, err := findOrderItem(items, nil, itemId)
	if err != nil {
		return nil, err
	}
	mergeWorklogRef(&items[idx], logType, ref)
	raw, err := saveOrderItemsTx(tx, businessId, order.ID, items)
	if err != nil {
		return nil, err
	}
	return &orderItemsSnapshot{OrderId: order.ID, ItemId: itemId, Raw: raw}, nil
}

// removeLinkedItemTx drops the entry's key from the linked item's worklog map.
func removeLinkedItemTx(tx *gorm.DB, businessId string, orderId int, itemId string, logType WorkLogType) (*orderItemsSnapshot, error) {
	order, items, err := fetchOrderItemsForUpdate(tx, businessId, orderId)
	if err != nil {
		return nil, err
	}
	idx, err := findOrderItem(items, nil, itemId)
	if err != nil {
		return nil, err
	}
	removeWorklogRef(&items[idx], logType)
	raw, err := saveOrderItemsTx(tx, businessId, order.ID, items)
	if err != nil {
		return nil, err
	}
	return &orderItemsSnapshot{OrderId: order.ID, ItemId: itemId, Raw: raw}, nil
}

// applyCuttingItemsTx writes the write-off state of a cutting action into the
// affected order items, one order rewrite per touched order.
func applyCuttingItemsTx(tx *gorm.DB, businessId string, userId int, worklogId int, entryTime time.Time, coilId int, refs []CutItemRef) ([]orderItemsSnapshot, error) {
	byOrder := make(map[int][]CutItemRef)
	var orderIds []int
	for _, ref := range refs {
		if _, seen := byOrder[ref.OrderId]; !seen {
			orderIds = append(orderIds, ref.OrderId)
		}
		byOrder[ref.OrderId] = append(byOrder[ref.OrderId], ref)
	}

	var snapshots []orderItemsSnapshot
	for _, orderId := range orderIds {
		order, items, err := fetchOrderItemsForUpdate(tx, businessId, orderId)
		if err != nil {
			return nil, err
		}
		for _, ref := range byOrder[orderId] {
			idx, err := findOrderItem(items, nil, ref.ItemId)
			if err != nil {
				return nil, err
			}
			item := &items[idx]
			if item.Inventory == nil {
				item.Inventory = &ItemInventory{}
			}
			inv := item.Inventory
			inv.CoilId = coilId
			inv.WidthWriteoff = ref.WidthWriteoff
			inv.LengthWriteoff = ref.LengthWriteoff
			inv.WriteoffLength = ref.LengthWriteoff
			inv.WrtDate = &entryTime
			inv.WrtUser = userId
			mergeWorklogRef(item, WorkLogTypeCutting, ItemWorklogRef{
				Qty:       item.Qty,
				Time:      entryTime,
				WorklogId: worklogId,
			})
		}
		raw, err := saveOrderItemsTx(tx, businessId, order.ID, items)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, orderItemsSnapshot{
			OrderId: orderId,
			ItemId:  byOrder[orderId][0].ItemId,
			Raw:     raw,
		})
	}
	return snapshots, nil
}

// CreateWorkLog records one ledger-affecting action and applies its forward
// effect in a single transaction:
//
//	stock-replenishment  stock += qty
//	stock-write-off      stock -= qty
//	cutting              stock sheets created, coil length decremented per
//	                     batch group, write-off state stamped on the items
//	issue                isu_date/isu_user stamped on the item (no stock effect)
//
// Issuing an already-issued item is a no-op and records nothing.
func CreateWorkLog(ctx context.Context, input *NewWorkLog) (*ItemChangeResult, error) {
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

	release, err := utils.BusinessLock(ctx, businessId, "worklogLock", "workLog.go", "CreateWorkLog")
	if err != nil {
		return nil, err
	}
	defer release()

	entryTime := input.Time
	if entryTime.IsZero() {
		entryTime = time.Now().UTC()
	}

	db := config.GetDB()
	tx := db.Begin()
	txCtx := tx.WithContext(ctx)

	switch input.Type {
	case WorkLogTypeReplenishment:
		if err := adjustStockTx(txCtx, businessId, input.ProductId, input.CoatingId, input.ColorLabel, input.Qty); err != nil {
			tx.Rollback()
			return nil, err
		}
	case WorkLogTypeWriteOff:
		if err := adjustStockTx(txCtx, businessId, input.ProductId, input.CoatingId, input.ColorLabel, input.Qty.Neg()); err != nil {
			tx.Rollback()
			return nil, err
		}
	case WorkLogTypeCutting:
		// fills in the stable sheet ids carried on the entry for reversal
		if err := executeCuttingTx(txCtx, businessId, userId, input.CoilId, input.Sheets); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	entry := WorkLogEntry{
		BusinessId: businessId,
		Type:       input.Type,
		ProductId:  input.ProductId,
		CoatingId:  input.CoatingId,
		ColorLabel: input.ColorLabel,
		Qty:        input.Qty,
		CoilId:     input.CoilId,
		OrderId:    input.OrderId,
		ItemId:     input.ItemId,
		UserId:     userId,
		Time:       entryTime,
	}
	if len(input.Sheets) > 0 {
		raw, err := json.Marshal(input.Sheets)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		entry.Sheets = raw
	}
	if len(input.Items) > 0 {
		raw, err := json.Marshal(input.Items)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		entry.Items = raw
	}

	var snapshots []orderItemsSnapshot

	if input.Type == WorkLogTypeIssue {
		order, items, err := fetchOrderItemsForUpdate(txCtx, businessId, input.OrderId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		idx, err := findOrderItem(items, input.ItemIndex, input.ItemId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		item := &items[idx]
		if item.Inventory != nil && item.Inventory.IsuDate != nil {
			// already issued; nothing to record
			tx.Rollback()
			return &ItemChangeResult{
				OrderId: order.ID,
				ItemId:  item.Id,
				Items:   json.RawMessage(order.Items),
			}, nil
		}
		entry.ItemId = item.Id

		if err := tx.Create(&entry).Error; err != nil {
			tx.Rollback()
			return nil, err
		}

		if item.Inventory == nil {
			item.Inventory = &ItemInventory{}
		}
		item.Inventory.IsuDate = &entryTime
		item.Inventory.IsuUser = userId
		mergeWorklogRef(item, WorkLogTypeIssue, ItemWorklogRef{
			Qty:       item.Qty,
			Time:      entryTime,
			WorklogId: entry.ID,
		})
		raw, err := saveOrderItemsTx(txCtx, businessId, order.ID, items)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		snapshots = append(snapshots, orderItemsSnapshot{OrderId: order.ID, ItemId: item.Id, Raw: raw})
	} else {
		if err := tx.Create(&entry).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		if input.Type == WorkLogTypeCutting && len(input.Items) > 0 {
			snaps, err := applyCuttingItemsTx(txCtx, businessId, userId, entry.ID, entryTime, input.CoilId, input.Items)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			snapshots = snaps
		} else if input.OrderId != 0 && input.ItemId != "" {
			// replenishment / write-off linked to an order item
			snap, err := mergeLinkedItemTx(txCtx, businessId, input.OrderId, input.ItemId, input.Type, ItemWorklogRef{
				Qty:       input.Qty,
				Time:      entryTime,
				WorklogId: entry.ID,
			})
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			snapshots = append(snapshots, *snap)
		}
	}

	if err := PublishStockChange(ctx, txCtx, businessId, entry.ID, EventReferenceTypeWorkLog, &entry, nil, PubSubMessageActionCreate); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	notify.GlobalHub.Broadcast(notify.Event{
		Type:       notify.EventTypeWorklogChange,
		BusinessId: businessId,
		WorklogId:  entry.ID,
	})
	for _, snap := range snapshots {
		notify.GlobalHub.Broadcast(notify.Event{
			Type:       notify.EventTypeItemChange,
			BusinessId: businessId,
			OrderId:    snap.OrderId,
			ItemId:     snap.ItemId,
			WorklogId:  entry.ID,
			Items:      snap.Raw,
		})
	}

	result := &ItemChangeResult{WorklogId: entry.ID}
	if len(snapshots) > 0 {
		result.OrderId = snapshots[0].OrderId
		result.ItemId = snapshots[0].ItemId
		result.Items = snapshots[0].Raw
	}
	return result, nil
}

func GetWorkLog(ctx context.Context, id int) (*WorkLogEntry, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[WorkLogEntry](ctx, businessId, id)
}

// ListWorkLogs returns journal entries newest-first, keyset-paginated on id.
func ListWorkLogs(ctx context.Context, logType *WorkLogType, limit int, afterId *int) ([]*WorkLogEntry, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if logType != nil {
		dbCtx = dbCtx.Where("type = ?", *logType)
	}
	if afterId != nil && *afterId > 0 {
		dbCtx = dbCtx.Where("id < ?", *afterId)
	}
	var entries []*WorkLogEntry
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteWorkLog reverses an entry's effect and removes it from the journal.
// The stock side (variant counters, coil length, stock sheets) and the journal
// delete commit atomically; for cutting, the per-item clearing runs afterwards
// and a missing item is logged and skipped rather than failing the reversal.
// Issue entries are not reversible.
func DeleteWorkLog(ctx context.Context, id int) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return errors.New("user id is required")
	}

	release, err := utils.BusinessLock(ctx, businessId, "worklogLock", "workLog.go", "DeleteWorkLog")
	if err != nil {
		return err
	}
	defer release()

	// fetched under the lock so a concurrent delete of the same entry cannot
	// hand both callers a live snapshot
	entry, err := GetWorkLog(ctx, id)
	if err != nil {
		return err
	}
	if entry.Type == WorkLogTypeIssue {
		return utils.NewValidationError("issue entries cannot be reversed; clear the issue state on the item instead")
	}

	var (
		sheets   []CutSheet
		itemRefs []CutItemRef
	)
	if len(entry.Sheets) > 0 {
		if err := json.Unmarshal(entry.Sheets, &sheets); err != nil {
			return err
		}
	}
	if len(entry.Items) > 0 {
		if err := json.Unmarshal(entry.Items, &itemRefs); err != nil {
			return err
		}
	}

	db := config.GetDB()
	tx := db.Begin()
	txCtx := tx.WithContext(ctx)

	switch entry.Type {
	case WorkLogTypeReplenishment:
		if err := adjustStockTx(txCtx, businessId, entry.ProductId, entry.CoatingId, entry.ColorLabel, entry.Qty.Neg()); err != nil {
			tx.Rollback()
			return err
		}
	case WorkLogTypeWriteOff:
		if err := adjustStockTx(txCtx, businessId, entry.ProductId, entry.CoatingId, entry.ColorLabel, entry.Qty); err != nil {
			tx.Rollback()
			return err
		}
	case WorkLogTypeCutting:
		if err := revertCuttingTx(txCtx, businessId, entry.CoilId, sheets); err != nil {
			tx.Rollback()
			return err
		}
	}

	var snapshots []orderItemsSnapshot
	if entry.Type != WorkLogTypeCutting && entry.OrderId != 0 && entry.ItemId != "" {
		snap, err := removeLinkedItemTx(txCtx, businessId, entry.OrderId, entry.ItemId, entry.Type)
		switch {
		case err == nil:
			snapshots = append(snapshots, *snap)
		case utils.IsNotFoundError(err):
			config.LogWarn(config.GetLogger(), "workLog.go", "DeleteWorkLog",
				"linked item missing while reversing entry", map[string]any{
					"business_id": businessId,
					"worklog_id":  entry.ID,
					"order_id":    entry.OrderId,
					"item_id":     entry.ItemId,
				})
		default:
			tx.Rollback()
			return err
		}
	}

	res := tx.Where("business_id = ? AND id = ?", businessId, entry.ID).
		Delete(&WorkLogEntry{})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		// the entry vanished between the fetch and the delete; nothing to reverse
		tx.Rollback()
		return utils.NewNotFoundError("worklog entry")
	}

	if err := PublishStockChange(ctx, txCtx, businessId, entry.ID, EventReferenceTypeWorkLog, nil, entry, PubSubMessageActionDelete); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	if entry.Type == WorkLogTypeCutting && len(itemRefs) > 0 {
		clearCuttingItems(ctx, businessId, entry.ID, itemRefs)
	}

	for _, snap := range snapshots {
		notify.GlobalHub.Broadcast(notify.Event{
			Type:       notify.EventTypeItemChange,
			BusinessId: businessId,
			OrderId:    snap.OrderId,
			ItemId:     snap.ItemId,
			WorklogId:  entry.ID,
			Items:      snap.Raw,
		})
	}
	notify.GlobalHub.Broadcast(notify.Event{
		Type:       notify.EventTypeWorklogChange,
		BusinessId: businessId,
		WorklogId:  entry.ID,
	})
	return nil
}

// clearCuttingItems removes the write-off state a reversed cutting action left
// on its order items. Each order is cleared in its own short transaction; an
// item or order that has since disappeared is logged and skipped so one stale
// reference never blocks the reversal of the rest.
func clearCuttingItems(ctx context.Context, businessId string, worklogId int, refs []CutItemRef) {
	byOrder := make(map[int][]CutItemRef)
	var orderIds []int
	for _, ref := range refs {
		if _, seen := byOrder[ref.OrderId]; !seen {
			orderIds = append(orderIds, ref.OrderId)
		}
		byOrder[ref.OrderId] = append(byOrder[ref.OrderId], ref)
	}

	logger := config.GetLogger()
	db := config.GetDB()
	for _, orderId := range orderIds {
		tx := db.Begin()
		txCtx := tx.WithContext(ctx)
		order, items, err := fetchOrderItemsForUpdate(txCtx, businessId, orderId)
		if err != nil {
			tx.Rollback()
			config.LogWarn(logger, "workLog.go", "clearCuttingItems",
				"order unavailable while clearing reversed cutting", map[string]any{
					"business_id": businessId,
					"worklog_id":  worklogId,
					"order_id":    orderId,
					"error":       err.Error(),
				})
			continue
		}
		for _, ref := range byOrder[orderId] {
			idx, err := findOrderItem(items, nil, ref.ItemId)
			if err != nil {
				config.LogWarn(logger, "workLog.go", "clearCuttingItems",
					"item missing while clearing reversed cutting", map[string]any{
						"business_id": businessId,
						"worklog_id":  worklogId,
						"order_id":    orderId,
						"item_id":     ref.ItemId,
					})
				continue
			}
			item := &items[idx]
			if item.Inventory != nil {
				inv := item.Inventory
				inv.CoilId = 0
				inv.WidthWriteoff = decimal.Zero
				inv.LengthWriteoff = decimal.Zero
				inv.WriteoffLength = decimal.Zero
				inv.WrtDate = nil
				inv.WrtUser = 0
			}
			removeWorklogRef(item, WorkLogTypeCutting)
		}
		raw, err := saveOrderItemsTx(txCtx, businessId, order.ID, items)
		if err != nil {
			tx.Rollback()
			config.LogWarn(logger, "workLog.go", "clearCuttingItems",
				"failed to rewrite items while clearing reversed cutting", map[string]any{
					"business_id": businessId,
					"worklog_id":  worklogId,
					"order_id":    orderId,
					"error":       err.Error(),
				})
			continue
		}
		if err := tx.Commit().Error; err != nil {
			config.LogWarn(logger, "workLog.go", "clearCuttingItems",
				"commit failed while clearing reversed cutting", map[string]any{
					"business_id": businessId,
					"worklog_id":  worklogId,
					"order_id":    orderId,
					"error":       err.Error(),
				})
			continue
		}
		notify.GlobalHub.Broadcast(notify.Event{
			Type:       notify.EventTypeItemChange,
			BusinessId: businessId,
			OrderId:    orderId,
			WorklogId:  worklogId,
			Items:      raw,
		})
	}
}
