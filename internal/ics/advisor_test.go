package ics

import (
	"context"
	"testing"
	"time"
)

func newTestAdvisor(t *testing.T) (*ChangeAdvisor, *Service, *EventBus, SourceKey) {
	t.Helper()

	bus := NewEventBus()
	service, db := newTestServiceWith(t, func(cfg *ServiceConfig) {
		cfg.Bus = bus
	})
	folderKey := SourceKey{0x01, 0x01}
	seedFolder(t, db, folderKey, nil)

	advisor, err := NewChangeAdvisor(ChangeAdvisorConfig{
		Service: service,
		Bus:     bus,
		Caller:  testCaller(),
	})
	if err != nil {
		t.Fatalf("failed to construct advisor: %v", err)
	}
	t.Cleanup(advisor.Close)
	return advisor, service, bus, folderKey
}

func waitForNotification(t *testing.T, advisor *ChangeAdvisor) AdvisoryNotification {
	t.Helper()
	select {
	case notification, ok := <-advisor.Notifications():
		if !ok {
			t.Fatalf("notification stream closed unexpectedly")
		}
		return notification
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for advisory notification")
	}
	return AdvisoryNotification{}
}

func expectNoNotification(t *testing.T, advisor *ChangeAdvisor) {
	t.Helper()
	select {
	case notification := <-advisor.Notifications():
		t.Fatalf("unexpected advisory notification %+v", notification)
	case <-time.After(100 * time.Millisecond):
	}
}

func advisedSyncID(t *testing.T, advisor *ChangeAdvisor) SyncID {
	t.Helper()
	states := advisor.SyncStates()
	if len(states) != 1 {
		t.Fatalf("expected one monitored state, got %d", len(states))
	}
	return states[0].SyncID
}

func TestAdvisorNotifiesOnRecordedChange(t *testing.T) {
	advisor, service, _, folderKey := newTestAdvisor(t)

	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to add keys: %v", err)
	}
	syncID := advisedSyncID(t, advisor)
	if !advisor.IsMonitoringSyncID(syncID) {
		t.Fatalf("expected advisor to monitor sync id %d", syncID)
	}

	result := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       SourceKey{0x02, 0x01},
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})

	notification := waitForNotification(t, advisor)
	if notification.SyncID != syncID {
		t.Fatalf("expected notification for sync id %d, got %d", syncID, notification.SyncID)
	}
	if notification.ChangeID != result.ChangeID {
		t.Fatalf("expected change id %d, got %d", result.ChangeID, notification.ChangeID)
	}
}

func TestAdvisorDropsNotificationsAtOrBelowWatermark(t *testing.T) {
	advisor, service, bus, folderKey := newTestAdvisor(t)

	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to add keys: %v", err)
	}
	syncID := advisedSyncID(t, advisor)

	result := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       SourceKey{0x02, 0x01},
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})
	waitForNotification(t, advisor)

	advisor.UpdateSyncState(syncID, result.ChangeID)

	// A replayed event at the confirmed watermark stays silent.
	bus.Publish(ChangeEvent{
		SyncID:          syncID,
		ChangeID:        result.ChangeID,
		SourceKey:       SourceKey{0x02, 0x01},
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageChange,
	})
	expectNoNotification(t, advisor)

	bus.Publish(ChangeEvent{
		SyncID:          syncID,
		ChangeID:        result.ChangeID + 1,
		SourceKey:       SourceKey{0x02, 0x01},
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageChange,
	})
	notification := waitForNotification(t, advisor)
	if notification.ChangeID != result.ChangeID+1 {
		t.Fatalf("expected change id %d, got %d", result.ChangeID+1, notification.ChangeID)
	}
}

func TestAdvisorRemoveKeysStopsListening(t *testing.T) {
	advisor, service, _, folderKey := newTestAdvisor(t)

	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to add keys: %v", err)
	}
	syncID := advisedSyncID(t, advisor)

	advisor.RemoveKeys([]SourceKey{folderKey})
	if advisor.IsMonitoringSyncID(syncID) {
		t.Fatalf("expected sync id %d to be unmonitored after removal", syncID)
	}

	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       SourceKey{0x02, 0x01},
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})
	expectNoNotification(t, advisor)
}

func TestAdvisorResubscribesAfterReconnect(t *testing.T) {
	advisor, _, bus, folderKey := newTestAdvisor(t)

	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to add keys: %v", err)
	}
	syncID := advisedSyncID(t, advisor)

	bus.NotifyReconnect()

	// Resubscription runs on the reconnect listener goroutine; keep
	// publishing fresh change ids until the rebuilt listener delivers one.
	deadline := time.After(2 * time.Second)
	next := ChangeID(100)
	for {
		bus.Publish(ChangeEvent{
			SyncID:          syncID,
			ChangeID:        next,
			SourceKey:       SourceKey{0x02, 0x01},
			ParentSourceKey: folderKey,
			ChangeType:      ChangeTypeMessageChange,
		})
		select {
		case notification := <-advisor.Notifications():
			if notification.SyncID != syncID {
				t.Fatalf("expected notification for sync id %d, got %d", syncID, notification.SyncID)
			}
			return
		case <-time.After(20 * time.Millisecond):
			next++
		case <-deadline:
			t.Fatalf("timed out waiting for resubscribed notification")
		}
	}
}

func TestAdvisorConfigSeedsAndPurgesStates(t *testing.T) {
	advisor, _, _, folderKey := newTestAdvisor(t)

	seeded := []SyncState{
		{SyncID: 0, ChangeID: 5},
		{SyncID: 42, ChangeID: 7},
	}
	if err := advisor.Config(context.Background(), seeded, []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to configure advisor: %v", err)
	}
	if !advisor.IsMonitoringSyncID(42) {
		t.Fatalf("expected seeded state for sync id 42")
	}
	if advisor.IsMonitoringSyncID(0) {
		t.Fatalf("zero sync id must be ignored")
	}
	if len(advisor.SyncStates()) != 2 {
		t.Fatalf("expected two states, got %d", len(advisor.SyncStates()))
	}

	// Sync id 42 has no advised key behind it, so a purge drops it.
	advisor.PurgeStates()
	if advisor.IsMonitoringSyncID(42) {
		t.Fatalf("expected orphaned state for sync id 42 to be purged")
	}
	if len(advisor.SyncStates()) != 1 {
		t.Fatalf("expected one surviving state, got %d", len(advisor.SyncStates()))
	}
}

func TestAdvisorCloseEndsStream(t *testing.T) {
	advisor, _, _, folderKey := newTestAdvisor(t)

	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != nil {
		t.Fatalf("failed to add keys: %v", err)
	}
	advisor.Close()
	advisor.Close()

	if _, ok := <-advisor.Notifications(); ok {
		t.Fatalf("expected notification stream to be closed")
	}
	if err := advisor.AddKeys(context.Background(), []SourceKey{folderKey}); err != ErrAdvisorClosed {
		t.Fatalf("expected ErrAdvisorClosed, got %v", err)
	}
}
