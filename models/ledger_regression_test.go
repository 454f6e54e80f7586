package models_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/models"
	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
)

// setupIntegrationEnv starts throwaway MySQL and Redis containers, connects the
// globals, migrates the schema, and returns a context with a fresh tenant and
// user identity.
func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "steel_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Steel Test Co"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return utils.SetBusinessIdInContext(ctx, biz.ID)
}

func mustCreateVariant(t *testing.T, ctx context.Context, color string) *models.StockVariant {
	t.Helper()
	product, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Corrugated Sheet " + color, Unit: "pcs"})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	variant, err := models.CreateStockVariant(ctx, &models.NewStockVariant{
		ProductId:  product.ID,
		CoatingId:  "pe",
		ColorLabel: color,
	})
	if err != nil {
		t.Fatalf("CreateStockVariant: %v", err)
	}
	return variant
}

func itemToken(n int) string {
	return fmt.Sprintf("itm%014d", n)
}

func TestReplenishmentAndWriteOffReverseCleanly(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	variant := mustCreateVariant(t, ctx, "RAL9003")

	// Forward: +10 then -4.
	rep, err := models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:       models.WorkLogTypeReplenishment,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Qty:        decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateWorkLog(replenishment): %v", err)
	}
	wo, err := models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:       models.WorkLogTypeWriteOff,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Qty:        decimal.NewFromInt(4),
	})
	if err != nil {
		t.Fatalf("CreateWorkLog(write-off): %v", err)
	}

	got, err := models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("stock after +10/-4 = %s, want 6", got.Stock)
	}

	// Reverse both; stock must return to zero exactly.
	if err := models.DeleteWorkLog(ctx, wo.WorklogId); err != nil {
		t.Fatalf("DeleteWorkLog(write-off): %v", err)
	}
	if err := models.DeleteWorkLog(ctx, rep.WorklogId); err != nil {
		t.Fatalf("DeleteWorkLog(replenishment): %v", err)
	}
	got, err = models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.IsZero() {
		t.Fatalf("stock after reversals = %s, want 0", got.Stock)
	}

	// Journal entries are gone.
	if _, err := models.GetWorkLog(ctx, rep.WorklogId); !utils.IsNotFoundError(err) {
		t.Fatalf("GetWorkLog after delete: err = %v, want not found", err)
	}

	// The digit guard rejects absurd magnitudes before any mutation.
	_, err = models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:       models.WorkLogTypeReplenishment,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Qty:        decimal.New(1, 10),
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("oversized qty: err = %v, want validation error", err)
	}
}

func TestCuttingExecuteAndRevert(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	coil, err := models.CreateSupplyRecord(ctx, &models.NewSupplyRecord{
		Type:       models.SupplyTypeMetal,
		Length:     decimal.NewFromInt(1200),
		Width:      decimal.NewFromInt(1250),
		Thickness:  decimal.NewFromFloat(0.5),
		ColorLabel: "RAL8017",
		CoatingId:  "pe",
		Supplier:   "MetalTrade",
	})
	if err != nil {
		t.Fatalf("CreateSupplyRecord: %v", err)
	}

	token := itemToken(1)
	order, err := models.CreateOrder(ctx, "ORD-1", "Roofs Ltd", []models.OrderItem{
		{Id: token, ProductId: 1, Qty: decimal.NewFromInt(12)},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Two stock sheets and one directly consumed sheet in the same batch: the
	// coil gives up the whole batch length, but only stock sheets become rows.
	result, err := models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:   models.WorkLogTypeCutting,
		CoilId: coil.ID,
		Sheets: []models.CutSheet{
			{IsStock: true, BatchTag: "b1", Length: decimal.NewFromInt(300), Width: decimal.NewFromInt(1250)},
			{IsStock: true, BatchTag: "b1", Length: decimal.NewFromInt(200), Width: decimal.NewFromInt(1250)},
			{IsStock: false, BatchTag: "b1", Length: decimal.NewFromInt(100), Width: decimal.NewFromInt(1250)},
		},
		Items: []models.CutItemRef{
			{OrderId: order.ID, ItemId: token, WidthWriteoff: decimal.NewFromInt(50), LengthWriteoff: decimal.NewFromInt(600)},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkLog(cutting): %v", err)
	}

	coilAfter, err := models.GetSupplyRecord(ctx, coil.ID)
	if err != nil {
		t.Fatalf("GetSupplyRecord: %v", err)
	}
	if !coilAfter.Length.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("coil length after cutting = %s, want 600", coilAfter.Length)
	}

	var stockSheets []models.SupplyRecord
	if err := db.WithContext(ctx).
		Where("parent_coil_id = ? AND type = ?", coil.ID, models.SupplyTypeStock).
		Find(&stockSheets).Error; err != nil {
		t.Fatalf("fetch stock sheets: %v", err)
	}
	if len(stockSheets) != 2 {
		t.Fatalf("stock sheets = %d, want 2", len(stockSheets))
	}
	for _, sheet := range stockSheets {
		if sheet.SheetId == "" {
			t.Fatalf("stock sheet %d has no sheet id", sheet.ID)
		}
		if sheet.ColorLabel != coil.ColorLabel || sheet.CoatingId != coil.CoatingId {
			t.Fatalf("stock sheet %d did not inherit coil color/coating", sheet.ID)
		}
		if !sheet.Qty.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("stock sheet qty = %s, want 1", sheet.Qty)
		}
	}

	// The item carries the write-off state and the worklog back-reference.
	orderAfter, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !strings.Contains(string(orderAfter.Items), `"coil_id":`+fmt.Sprint(coil.ID)) {
		t.Fatalf("item inventory missing coil reference: %s", orderAfter.Items)
	}
	if !strings.Contains(string(orderAfter.Items), `"cutting"`) {
		t.Fatalf("item worklog map missing cutting key: %s", orderAfter.Items)
	}

	// A staged outbox event exists for the entry.
	var outboxCount int64
	if err := db.WithContext(ctx).Model(&models.EventOutboxRecord{}).
		Where("reference_id = ? AND reference_type = ?", result.WorklogId, models.EventReferenceTypeWorkLog).
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("outbox rows for cutting entry = %d, want 1", outboxCount)
	}

	// Reverse: coil restored, sheets removed, item cleared.
	if err := models.DeleteWorkLog(ctx, result.WorklogId); err != nil {
		t.Fatalf("DeleteWorkLog(cutting): %v", err)
	}

	coilAfter, err = models.GetSupplyRecord(ctx, coil.ID)
	if err != nil {
		t.Fatalf("GetSupplyRecord: %v", err)
	}
	if !coilAfter.Length.Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("coil length after revert = %s, want 1200", coilAfter.Length)
	}

	var remaining int64
	if err := db.WithContext(ctx).Model(&models.SupplyRecord{}).
		Where("parent_coil_id = ? AND type = ?", coil.ID, models.SupplyTypeStock).
		Count(&remaining).Error; err != nil {
		t.Fatalf("count stock sheets: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("stock sheets after revert = %d, want 0", remaining)
	}

	orderAfter, err = models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if strings.Contains(string(orderAfter.Items), `"cutting"`) {
		t.Fatalf("item worklog map still has cutting key after revert: %s", orderAfter.Items)
	}
}

func TestIssueIsIdempotentAndNotReversible(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	db := config.GetDB()

	token := itemToken(7)
	order, err := models.CreateOrder(ctx, "ORD-7", "Fence Co", []models.OrderItem{
		{Id: token, ProductId: 1, Qty: decimal.NewFromInt(3)},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	first, err := models.IssueItem(ctx, &models.IssueItemInput{OrderId: order.ID, ItemId: token})
	if err != nil {
		t.Fatalf("IssueItem: %v", err)
	}
	if first.WorklogId == 0 {
		t.Fatalf("first issue recorded no worklog entry")
	}

	orderAfter, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !strings.Contains(string(orderAfter.Items), `"isu_date"`) {
		t.Fatalf("item not stamped as issued: %s", orderAfter.Items)
	}

	// Second issue is a no-op: no new journal entry.
	second, err := models.IssueItem(ctx, &models.IssueItemInput{OrderId: order.ID, ItemId: token})
	if err != nil {
		t.Fatalf("IssueItem(second): %v", err)
	}
	if second.WorklogId != 0 {
		t.Fatalf("second issue recorded worklog entry %d, want none", second.WorklogId)
	}
	var entryCount int64
	if err := db.WithContext(ctx).Model(&models.WorkLogEntry{}).
		Where("type = ?", models.WorkLogTypeIssue).
		Count(&entryCount).Error; err != nil {
		t.Fatalf("count issue entries: %v", err)
	}
	if entryCount != 1 {
		t.Fatalf("issue entries = %d, want 1", entryCount)
	}

	// Issue has no reverse action.
	err = models.DeleteWorkLog(ctx, first.WorklogId)
	if !utils.IsValidationError(err) {
		t.Fatalf("DeleteWorkLog(issue): err = %v, want validation error", err)
	}
}

func TestUpdateStockUsesSetSemantics(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	variant := mustCreateVariant(t, ctx, "RAL7024")

	if _, err := models.SetStock(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	token := itemToken(42)
	input := &models.UpdateStockInput{
		OrderId:    1,
		ItemId:     token,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Amount:     decimal.NewFromInt(5),
	}
	got, err := models.UpdateStock(ctx, input)
	if err != nil {
		t.Fatalf("UpdateStock(5): %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("stock after write-off 5 = %s, want 95", got.Stock)
	}

	// Repeating with a different amount replaces the old one instead of adding.
	input.Amount = decimal.NewFromInt(2)
	got, err = models.UpdateStock(ctx, input)
	if err != nil {
		t.Fatalf("UpdateStock(2): %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("stock after write-off set to 2 = %s, want 98", got.Stock)
	}

	record, err := models.GetWriteoffLedgerRecord(ctx, 1, variant.ProductId, token)
	if err != nil {
		t.Fatalf("GetWriteoffLedgerRecord: %v", err)
	}
	if record == nil || !record.WriteoffAmount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("ledger record = %+v, want amount 2", record)
	}

	// Zero clears the write-off entirely.
	input.Amount = decimal.Zero
	got, err = models.UpdateStock(ctx, input)
	if err != nil {
		t.Fatalf("UpdateStock(0): %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stock after clearing write-off = %s, want 100", got.Stock)
	}
	record, err = models.GetWriteoffLedgerRecord(ctx, 1, variant.ProductId, token)
	if err != nil {
		t.Fatalf("GetWriteoffLedgerRecord: %v", err)
	}
	if record != nil {
		t.Fatalf("ledger record still present after clearing: %+v", record)
	}
}

func TestLinkedWriteOffMarksItemWorklogMap(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	variant := mustCreateVariant(t, ctx, "RAL6005")

	if _, err := models.SetStock(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel, decimal.NewFromInt(20)); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	token := itemToken(11)
	order, err := models.CreateOrder(ctx, "ORD-11", "Gates Ltd", []models.OrderItem{
		{Id: token, ProductId: variant.ProductId, Qty: decimal.NewFromInt(4)},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	entry, err := models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:       models.WorkLogTypeWriteOff,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Qty:        decimal.NewFromInt(4),
		OrderId:    order.ID,
		ItemId:     token,
	})
	if err != nil {
		t.Fatalf("CreateWorkLog(linked write-off): %v", err)
	}

	got, err := models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("stock after linked write-off = %s, want 16", got.Stock)
	}

	// The linked item carries the write-off in its worklog map.
	orderAfter, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !strings.Contains(string(orderAfter.Items), `"stock-write-off"`) {
		t.Fatalf("item worklog map missing write-off key: %s", orderAfter.Items)
	}

	// Reversal clears the key and restores the stock.
	if err := models.DeleteWorkLog(ctx, entry.WorklogId); err != nil {
		t.Fatalf("DeleteWorkLog(linked write-off): %v", err)
	}
	orderAfter, err = models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if strings.Contains(string(orderAfter.Items), `"stock-write-off"`) {
		t.Fatalf("item worklog map still has write-off key after revert: %s", orderAfter.Items)
	}
	got, err = models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("stock after reversal = %s, want 20", got.Stock)
	}
}

func TestConcurrentDeletesReverseOnlyOnce(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	variant := mustCreateVariant(t, ctx, "RAL3009")

	entry, err := models.CreateWorkLog(ctx, &models.NewWorkLog{
		Type:       models.WorkLogTypeReplenishment,
		ProductId:  variant.ProductId,
		CoatingId:  variant.CoatingId,
		ColorLabel: variant.ColorLabel,
		Qty:        decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("CreateWorkLog: %v", err)
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- models.DeleteWorkLog(ctx, entry.WorklogId)
		}()
	}
	wg.Wait()
	close(errs)

	// Exactly one delete wins; the rest find the entry already gone.
	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case utils.IsNotFoundError(err):
		default:
			t.Fatalf("DeleteWorkLog: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful deletes = %d, want 1", succeeded)
	}

	got, err := models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.IsZero() {
		t.Fatalf("stock after concurrent deletes = %s, want 0 (reversed once)", got.Stock)
	}
}

func TestConcurrentAdjustmentsDoNotLoseUpdates(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	variant := mustCreateVariant(t, ctx, "RAL5005")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := models.AdjustStock(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel, decimal.NewFromInt(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AdjustStock: %v", err)
		}
	}

	got, err := models.GetStockVariant(ctx, variant.ProductId, variant.CoatingId, variant.ColorLabel)
	if err != nil {
		t.Fatalf("GetStockVariant: %v", err)
	}
	if !got.Stock.Equal(decimal.NewFromInt(workers)) {
		t.Fatalf("stock after %d concurrent +1 adjustments = %s, want %d", workers, got.Stock, workers)
	}
}
