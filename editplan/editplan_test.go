package editplan_test

import (
	"testing"

	"github.com/kizaibot/kizaibot/editplan"
)

func TestPlanKeepsMatchingEntries(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{{EquipmentID: "e1", Content: "A"}}
	existing := []editplan.Existing{{MessageID: "m1", EquipmentID: "e1", Content: "A"}}

	ops := editplan.Plan(desired, existing)
	if len(ops) != 1 || ops[0].Kind != editplan.OpKeep {
		t.Fatalf("expected a single Keep, got %+v", ops)
	}
}

func TestPlanEditsChangedContent(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{{EquipmentID: "e1", Content: "B"}}
	existing := []editplan.Existing{{MessageID: "m1", EquipmentID: "e1", Content: "A"}}

	ops := editplan.Plan(desired, existing)
	if len(ops) != 1 || ops[0].Kind != editplan.OpEdit || ops[0].MessageID != "m1" || ops[0].Content != "B" {
		t.Fatalf("expected a single Edit, got %+v", ops)
	}
}

func TestPlanCreatesTailForLongerDesired(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{{EquipmentID: "e1", Content: "A"}, {EquipmentID: "e2", Content: "B"}}
	existing := []editplan.Existing{{MessageID: "m1", EquipmentID: "e1", Content: "A"}}

	ops := editplan.Plan(desired, existing)
	if len(ops) != 2 || ops[0].Kind != editplan.OpKeep || ops[1].Kind != editplan.OpCreate {
		t.Fatalf("expected Keep then Create, got %+v", ops)
	}
}

func TestPlanDeletesTailForLongerExisting(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{{EquipmentID: "e1", Content: "A"}}
	existing := []editplan.Existing{
		{MessageID: "m1", EquipmentID: "e1", Content: "A"},
		{MessageID: "m2", EquipmentID: "e2", Content: "B"},
	}

	ops := editplan.Plan(desired, existing)
	if len(ops) != 2 || ops[0].Kind != editplan.OpKeep || ops[1].Kind != editplan.OpDelete || ops[1].MessageID != "m2" {
		t.Fatalf("expected Keep then Delete, got %+v", ops)
	}
}

func TestPlanRebuildsWhenOrderDrifted(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{
		{EquipmentID: "e1", Content: "A"},
		{EquipmentID: "e2", Content: "B"},
		{EquipmentID: "e3", Content: "C"},
		{EquipmentID: "e4", Content: "D"},
	}
	existing := []editplan.Existing{
		{MessageID: "m1", EquipmentID: "e4", Content: "D"},
		{MessageID: "m2", EquipmentID: "e3", Content: "C"},
		{MessageID: "m3", EquipmentID: "e2", Content: "B"},
		{MessageID: "m4", EquipmentID: "e1", Content: "A"},
	}

	ops := editplan.Plan(desired, existing)
	if len(ops) != 1 || ops[0].Kind != editplan.OpRebuildAll {
		t.Fatalf("expected a single RebuildAll, got %+v", ops)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()
	desired := []editplan.Desired{{EquipmentID: "e1", Content: "A"}, {EquipmentID: "e2", Content: "B"}}
	existing := []editplan.Existing{
		{MessageID: "m1", EquipmentID: "e1", Content: "A"},
		{MessageID: "m2", EquipmentID: "e2", Content: "B"},
	}

	first := editplan.Plan(desired, existing)
	second := editplan.Plan(desired, existing)
	if len(first) != len(second) {
		t.Fatal("expected identical plans for identical inputs")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected zero edits for identical rerender, diverged at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
