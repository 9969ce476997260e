package ics

import (
	"context"
	"errors"
	"testing"
)

func TestFreshHierarchySyncListsSubtree(t *testing.T) {
	service, db := newTestService(t)
	root := SourceKey{0x10}
	childA := SourceKey{0x10, 0x01}
	childB := SourceKey{0x10, 0x02}
	grandChild := SourceKey{0x10, 0x01, 0x01}
	seedFolder(t, db, root, SourceKey{0xFF})
	seedFolder(t, db, childA, root)
	seedFolder(t, db, childB, root)
	seedFolder(t, db, grandChild, childA)
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
	})
	if len(batch.Changes) != 3 {
		t.Fatalf("expected the 3 descendants, got %d: %v", len(batch.Changes), sourceKeysOf(batch))
	}
	for _, change := range batch.Changes {
		if change.SourceKey.Equal(root) {
			t.Fatalf("the sync root itself must not be delivered")
		}
		if change.ChangeType != ChangeTypeFolderNew {
			t.Fatalf("fresh hierarchy sync must surface creates, got %#x", change.ChangeType)
		}
	}
}

func TestFreshHierarchySyncSkipsDeletedFolders(t *testing.T) {
	service, db := newTestService(t)
	root := SourceKey{0x10}
	gone := SourceKey{0x10, 0x01}
	orphan := SourceKey{0x10, 0x01, 0x01}
	seedFolder(t, db, root, SourceKey{0xFF})
	row := FolderRow{SourceKey: gone, ParentSourceKey: root, DisplayName: "gone", SoftDeleted: true}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed folder: %v", err)
	}
	seedFolder(t, db, orphan, gone)
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
	})
	if len(batch.Changes) != 0 {
		t.Fatalf("walk must not descend through deleted folders, got %v", sourceKeysOf(batch))
	}
}

func TestStoreWideFreshSyncNeedsCatchupOrAdmin(t *testing.T) {
	service, db := newTestService(t)
	storeRoot := SourceKey{0x10}
	seedFolder(t, db, storeRoot, nil)
	state := mustSubscribe(t, service, testCaller(), storeRoot, SyncKindHierarchy)

	_, err := service.GetChanges(context.Background(), testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for a store-wide initial sync, got %v", err)
	}

	catchup := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
		Flags:  SyncFlagCatchup,
	})
	if len(catchup.Changes) != 0 {
		t.Fatalf("catchup must deliver nothing, got %v", sourceKeysOf(catchup))
	}

	adminState := mustSubscribe(t, service, adminCaller(), storeRoot, SyncKindHierarchy)
	if _, err := service.GetChanges(context.Background(), adminCaller(), ChangeQuery{
		SyncID: adminState.SyncID,
		Kind:   SyncKindHierarchy,
	}); err != nil {
		t.Fatalf("system admin must be allowed a full initial sync: %v", err)
	}
}

func TestHierarchyIncrementalDeliversFolderChanges(t *testing.T) {
	service, db := newTestService(t)
	root := SourceKey{0x10}
	child := SourceKey{0x10, 0x01}
	seedFolder(t, db, root, SourceKey{0xFF})
	seedFolder(t, db, child, root)
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)
	bumpChangeLog(t, service, db, 1)
	fresh := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindHierarchy})

	grandChild := SourceKey{0x10, 0x01, 0x01}
	seedFolder(t, db, grandChild, child)
	recorded := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       grandChild,
		ParentSourceKey: child,
		ChangeType:      ChangeTypeFolderNew,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindHierarchy,
	})
	if len(batch.Changes) != 1 || !batch.Changes[0].SourceKey.Equal(grandChild) {
		t.Fatalf("expected the new folder, got %v", sourceKeysOf(batch))
	}
	if batch.MaxChangeID != recorded.ChangeID {
		t.Fatalf("watermark mismatch: %d vs %d", batch.MaxChangeID, recorded.ChangeID)
	}
}

func TestHierarchyIncrementalIgnoresForeignSubtrees(t *testing.T) {
	service, db := newTestService(t)
	root := SourceKey{0x10}
	other := SourceKey{0x20}
	otherChild := SourceKey{0x20, 0x01}
	seedFolder(t, db, root, SourceKey{0xFF})
	seedFolder(t, db, other, SourceKey{0xFF})
	seedFolder(t, db, otherChild, other)
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)
	bumpChangeLog(t, service, db, 1)
	fresh := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindHierarchy})

	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       otherChild,
		ParentSourceKey: other,
		ChangeType:      ChangeTypeFolderChange,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindHierarchy,
	})
	if len(batch.Changes) != 0 {
		t.Fatalf("changes outside the subtree must be invisible, got %v", sourceKeysOf(batch))
	}
}

func TestInvisibleSubtreeIsSkippedByDefault(t *testing.T) {
	service, db := newTestService(t)
	root := SourceKey{0x10}
	visible := SourceKey{0x10, 0x01}
	private := SourceKey{0x10, 0x02}
	hidden := SourceKey{0x10, 0x02, 0x01}
	seedFolder(t, db, root, SourceKey{0xFF})
	seedFolder(t, db, visible, root)
	seedOwnedFolder(t, db, private, root, "someone-else")
	seedFolder(t, db, hidden, private)
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
	})
	if len(batch.Changes) != 1 || !batch.Changes[0].SourceKey.Equal(visible) {
		t.Fatalf("invisible subtree must be skipped whole, got %v", sourceKeysOf(batch))
	}
}

func TestInvisibleSubtreeFailsUnderStrictVisibility(t *testing.T) {
	service, db := newTestServiceWith(t, func(cfg *ServiceConfig) {
		cfg.StrictHierarchyVisibility = true
	})
	root := SourceKey{0x10}
	private := SourceKey{0x10, 0x02}
	seedFolder(t, db, root, SourceKey{0xFF})
	seedOwnedFolder(t, db, private, root, "someone-else")
	state := mustSubscribe(t, service, testCaller(), root, SyncKindHierarchy)

	_, err := service.GetChanges(context.Background(), testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindHierarchy,
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied under strict visibility, got %v", err)
	}
}
