package models

import (
	"testing"

	"bitbucket.org/profmetal/steel_backend/utils"
	"github.com/shopspring/decimal"
)

func TestGroupConsumedLengthSumsWholeBatch(t *testing.T) {
	sheets := []CutSheet{
		{IsStock: true, BatchTag: "b1", Length: decimal.NewFromInt(300)},
		{IsStock: true, BatchTag: "b1", Length: decimal.NewFromInt(200)},
		{IsStock: false, BatchTag: "b1", Length: decimal.NewFromInt(100)},
		{IsStock: true, BatchTag: "b2", Length: decimal.NewFromInt(50)},
	}
	groups := groupConsumedLength(sheets)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	// Non-stock sheets consume coil length too.
	if !groups["b1"].Equal(decimal.NewFromInt(600)) {
		t.Errorf("b1 consumed = %s, want 600", groups["b1"])
	}
	if !groups["b2"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("b2 consumed = %s, want 50", groups["b2"])
	}
}

func TestFindOrderItem(t *testing.T) {
	items := []OrderItem{
		{Id: "itm00000000000001"},
		{Id: "itm00000000000002"},
	}

	idx, err := findOrderItem(items, nil, "itm00000000000002")
	if err != nil || idx != 1 {
		t.Fatalf("by token: idx=%d err=%v, want 1/nil", idx, err)
	}

	two := 1
	idx, err = findOrderItem(items, &two, "")
	if err != nil || idx != 1 {
		t.Fatalf("by index: idx=%d err=%v, want 1/nil", idx, err)
	}

	if _, err := findOrderItem(items, nil, "itm00000000000009"); !utils.IsNotFoundError(err) {
		t.Errorf("unknown token: err = %v, want not found", err)
	}
	if _, err := findOrderItem(items, nil, "short"); !utils.IsValidationError(err) {
		t.Errorf("malformed token: err = %v, want validation error", err)
	}
	oob := 5
	if _, err := findOrderItem(items, &oob, ""); !utils.IsNotFoundError(err) {
		t.Errorf("index past end: err = %v, want not found", err)
	}
	huge := maxItemIndex + 1
	if _, err := findOrderItem(items, &huge, ""); !utils.IsValidationError(err) {
		t.Errorf("index over cap: err = %v, want validation error", err)
	}
	if _, err := findOrderItem(items, nil, ""); !utils.IsValidationError(err) {
		t.Errorf("no selector: err = %v, want validation error", err)
	}
}

func TestWorklogRefMergeAndRemove(t *testing.T) {
	item := OrderItem{Id: "itm00000000000001"}

	mergeWorklogRef(&item, WorkLogTypeCutting, ItemWorklogRef{WorklogId: 5})
	mergeWorklogRef(&item, WorkLogTypeIssue, ItemWorklogRef{WorklogId: 6})
	if len(item.Inventory.Worklog) != 2 {
		t.Fatalf("worklog map size = %d, want 2", len(item.Inventory.Worklog))
	}
	if item.Inventory.Worklog["cutting"].WorklogId != 5 {
		t.Errorf("cutting ref = %+v, want worklog 5", item.Inventory.Worklog["cutting"])
	}

	// Merging the same type replaces the ref.
	mergeWorklogRef(&item, WorkLogTypeCutting, ItemWorklogRef{WorklogId: 9})
	if item.Inventory.Worklog["cutting"].WorklogId != 9 {
		t.Errorf("cutting ref after merge = %+v, want worklog 9", item.Inventory.Worklog["cutting"])
	}

	removeWorklogRef(&item, WorkLogTypeCutting)
	if _, ok := item.Inventory.Worklog["cutting"]; ok {
		t.Errorf("cutting key still present after remove")
	}

	// Emptying the map drops it entirely.
	removeWorklogRef(&item, WorkLogTypeIssue)
	if item.Inventory.Worklog != nil {
		t.Errorf("worklog map = %+v, want nil after last key removed", item.Inventory.Worklog)
	}

	// Removing from an item with no inventory is a no-op.
	bare := OrderItem{Id: "itm00000000000002"}
	removeWorklogRef(&bare, WorkLogTypeIssue)
	if bare.Inventory != nil {
		t.Errorf("remove on bare item created inventory")
	}
}

func TestNewWorkLogValidate(t *testing.T) {
	cases := []struct {
		name  string
		input NewWorkLog
		ok    bool
	}{
		{"replenishment ok", NewWorkLog{Type: WorkLogTypeReplenishment, ProductId: 1, ColorLabel: "RAL9003", Qty: decimal.NewFromInt(5)}, true},
		{"replenishment zero qty", NewWorkLog{Type: WorkLogTypeReplenishment, ProductId: 1, ColorLabel: "RAL9003"}, false},
		{"write-off linked ok", NewWorkLog{Type: WorkLogTypeWriteOff, ProductId: 1, ColorLabel: "RAL9003",
			Qty: decimal.NewFromInt(2), OrderId: 7, ItemId: "itm00000000000001"}, true},
		{"write-off order without item", NewWorkLog{Type: WorkLogTypeWriteOff, ProductId: 1, ColorLabel: "RAL9003",
			Qty: decimal.NewFromInt(2), OrderId: 7}, false},
		{"write-off bad item token", NewWorkLog{Type: WorkLogTypeWriteOff, ProductId: 1, ColorLabel: "RAL9003",
			Qty: decimal.NewFromInt(2), OrderId: 7, ItemId: "nope"}, false},
		{"replenishment no color", NewWorkLog{Type: WorkLogTypeReplenishment, ProductId: 1, Qty: decimal.NewFromInt(5)}, false},
		{"unknown type", NewWorkLog{Type: "repair"}, false},
		{"cutting no sheets", NewWorkLog{Type: WorkLogTypeCutting, CoilId: 3}, false},
		{"cutting negative sheet", NewWorkLog{Type: WorkLogTypeCutting, CoilId: 3,
			Sheets: []CutSheet{{BatchTag: "b1", Length: decimal.NewFromInt(-10)}}}, false},
		{"cutting bad item token", NewWorkLog{Type: WorkLogTypeCutting, CoilId: 3,
			Sheets: []CutSheet{{BatchTag: "b1", Length: decimal.NewFromInt(10)}},
			Items:  []CutItemRef{{OrderId: 1, ItemId: "nope"}}}, false},
		{"issue needs selector", NewWorkLog{Type: WorkLogTypeIssue, OrderId: 4}, false},
		{"issue ok", NewWorkLog{Type: WorkLogTypeIssue, OrderId: 4, ItemId: "itm00000000000001"}, true},
	}
	for _, tc := range cases {
		err := tc.input.validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}
