package ics

import (
	"context"
	"errors"
	"testing"
)

func TestGetOrCreateSubscriptionAllocatesFreshID(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)

	first := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	second := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	if first.SyncID == 0 || second.SyncID == 0 {
		t.Fatalf("allocated sync ids must be nonzero: %d, %d", first.SyncID, second.SyncID)
	}
	if first.SyncID == second.SyncID {
		t.Fatalf("each registration must allocate its own subscription")
	}
	if first.ChangeID != 0 {
		t.Fatalf("fresh subscription must start at watermark zero")
	}
}

func TestGetOrCreateSubscriptionResumesKnownID(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	created := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	if err := service.AdvanceSubscription(context.Background(), created.SyncID, 12); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}

	resumed, err := service.GetOrCreateSubscription(context.Background(), testCaller(), created.SyncID, folderKey, SyncKindContents)
	if err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	if resumed.SyncID != created.SyncID || resumed.ChangeID != 12 {
		t.Fatalf("unexpected resumed state %+v", resumed)
	}
}

func TestGetOrCreateSubscriptionRejectsUnknownID(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.GetOrCreateSubscription(context.Background(), testCaller(), 404, folderKey, SyncKindContents)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetOrCreateSubscriptionEnforcesKind(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	created := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	_, err := service.GetOrCreateSubscription(context.Background(), testCaller(), created.SyncID, folderKey, SyncKindHierarchy)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestGetOrCreateSubscriptionChecksFolderVisibility(t *testing.T) {
	service, db := newTestService(t)
	private := SourceKey{0x0F}
	seedOwnedFolder(t, db, private, nil, "someone-else")

	_, err := service.GetOrCreateSubscription(context.Background(), testCaller(), 0, private, SyncKindContents)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	if _, err := service.GetOrCreateSubscription(context.Background(), adminCaller(), 0, private, SyncKindContents); err != nil {
		t.Fatalf("admin must see the folder: %v", err)
	}
}

func TestGetOrCreateSubscriptionRejectsDeletedFolder(t *testing.T) {
	service, db := newTestService(t)
	deleted := SourceKey{0x0E}
	row := FolderRow{SourceKey: deleted, DisplayName: "gone", SoftDeleted: true}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed folder: %v", err)
	}

	_, err := service.GetOrCreateSubscription(context.Background(), testCaller(), 0, deleted, SyncKindContents)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for soft-deleted folder, got %v", err)
	}
}

func TestDirectorySubscriptionNeedsNoTarget(t *testing.T) {
	service, _ := newTestService(t)
	state := mustSubscribe(t, service, testCaller(), nil, SyncKindDirectory)
	if state.SyncID == 0 {
		t.Fatalf("expected allocated directory subscription")
	}
}

func TestAdvanceSubscriptionIsMonotonic(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	created := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	ctx := context.Background()
	if err := service.AdvanceSubscription(ctx, created.SyncID, 10); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}
	if err := service.AdvanceSubscription(ctx, created.SyncID, 4); err != nil {
		t.Fatalf("stale advance must be ignored, not fail: %v", err)
	}

	states, err := service.ListSyncStates(ctx, []SyncID{created.SyncID})
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if states[0].ChangeID != 10 {
		t.Fatalf("watermark must not regress, got %d", states[0].ChangeID)
	}
}

func TestAdvanceSubscriptionUnknownID(t *testing.T) {
	service, _ := newTestService(t)
	err := service.AdvanceSubscription(context.Background(), 404, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListSyncStatesPreservesOrderAndZeroFillsUnknown(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	created := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	if err := service.AdvanceSubscription(context.Background(), created.SyncID, 5); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}

	states, err := service.ListSyncStates(context.Background(), []SyncID{404, created.SyncID})
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[0].SyncID != 404 || states[0].ChangeID != 0 {
		t.Fatalf("unknown id must report zero, got %+v", states[0])
	}
	if states[1].SyncID != created.SyncID || states[1].ChangeID != 5 {
		t.Fatalf("unexpected state %+v", states[1])
	}
}
