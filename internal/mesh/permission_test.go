package mesh

import (
	"reflect"
	"testing"
)

func TestPermissionHas(t *testing.T) {
	mask := PermissionCreateIntent | PermissionAcceptIntent

	if !mask.Has(PermissionCreateIntent) {
		t.Fatalf("expected create_intent bit to be set")
	}
	if !mask.Has(PermissionAcceptIntent) {
		t.Fatalf("expected accept_intent bit to be set")
	}
	if mask.Has(PermissionSwap) {
		t.Fatalf("swap bit must not be set")
	}
	if Permission(0).Has(PermissionVote) {
		t.Fatalf("empty mask must not grant anything")
	}
}

func TestPermissionBitsAreStable(t *testing.T) {
	// 位值参与链上布局，重新编号会破坏已有记录。
	expected := map[Permission]uint64{
		PermissionSwap:         1,
		PermissionTransfer:     2,
		PermissionVote:         4,
		PermissionCreateIntent: 8,
		PermissionAcceptIntent: 16,
	}
	for bit, value := range expected {
		if uint64(bit) != value {
			t.Fatalf("permission bit %s has value %d, want %d", bit.Names(), uint64(bit), value)
		}
	}
}

func TestPermissionNames(t *testing.T) {
	mask := PermissionSwap | PermissionCreateIntent | PermissionAcceptIntent
	got := mask.Names()
	want := []string{"swap", "create_intent", "accept_intent"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected names: got %v want %v", got, want)
	}

	if names := Permission(0).Names(); len(names) != 0 {
		t.Fatalf("empty mask should have no names, got %v", names)
	}
}
