package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/profmetal/steel_backend/config"
	"bitbucket.org/profmetal/steel_backend/models"
	"bitbucket.org/profmetal/steel_backend/utils"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	worklogID := flag.Int("worklog-id", 0, "Required: work_log_entries.id to reverse")
	dryRun := flag.Bool("dry-run", true, "Show record only (no writes)")
	confirm := flag.String("confirm", "", "Type REVERSE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *worklogID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --worklog-id are required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REVERSE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REVERSE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printRecord(db, *businessID, *worklogID)
		return
	}

	// DeleteWorkLog takes the per-tenant redis lock, same as the API path.
	config.ConnectRedisWithRetry()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "ops")

	if err := models.DeleteWorkLog(ctx, *worklogID); err != nil {
		fmt.Fprintf(os.Stderr, "reverse failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("worklog entry reversed")
}

func printRecord(db *gorm.DB, businessID string, worklogID int) {
	var entry models.WorkLogEntry
	if err := db.
		Where("business_id = ? AND id = ?", businessID, worklogID).
		First(&entry).Error; err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%d business_id=%s type=%s product_id=%d coating_id=%s color_label=%s qty=%s coil_id=%d order_id=%d item_id=%s time=%s\n",
		entry.ID, entry.BusinessId, entry.Type, entry.ProductId, entry.CoatingId, entry.ColorLabel,
		entry.Qty.String(), entry.CoilId, entry.OrderId, entry.ItemId, entry.Time.Format("2006-01-02 15:04:05"))
	if len(entry.Sheets) > 0 {
		fmt.Printf("sheets=%s\n", string(entry.Sheets))
	}
	if len(entry.Items) > 0 {
		fmt.Printf("items=%s\n", string(entry.Items))
	}
}
