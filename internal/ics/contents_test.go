package ics

import (
	"testing"

	"gorm.io/gorm"
)

var (
	folderKey  = SourceKey{0x01, 0x01}
	messageKey = SourceKey{0x02, 0x01}
)

// bumpChangeLog records a folder change in an unrelated subtree so the log
// tail moves without touching the folder under test.
func bumpChangeLog(t *testing.T, service *Service, db *gorm.DB, seq byte) ChangeID {
	t.Helper()
	parent := SourceKey{0xA0, seq}
	child := SourceKey{0xA1, seq}
	seedFolder(t, db, parent, nil)
	seedFolder(t, db, child, parent)
	result := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       child,
		ParentSourceKey: parent,
		ChangeType:      ChangeTypeFolderNew,
	})
	return result.ChangeID
}

func TestFreshContentsSyncListsCurrentMessages(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	seedMessage(t, db, SourceKey{0x02, 0x02}, folderKey)
	seedMessage(t, db, SourceKey{0x02, 0x01}, folderKey)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindContents,
	})
	if len(batch.Changes) != 2 {
		t.Fatalf("expected 2 synthetic creates, got %d", len(batch.Changes))
	}
	for _, change := range batch.Changes {
		if change.ChangeType != ChangeTypeMessageNew {
			t.Fatalf("fresh sync must surface creates, got %#x", change.ChangeType)
		}
	}
	keys := sourceKeysOf(batch)
	if keys[0] != (SourceKey{0x02, 0x01}).String() || keys[1] != (SourceKey{0x02, 0x02}).String() {
		t.Fatalf("changes must be ordered by source key, got %v", keys)
	}
}

func TestIncrementalContentsSyncSkipsOwnWrites(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	watermark := bumpChangeLog(t, service, db, 1)

	seedMessage(t, db, messageKey, folderKey)
	mustRecord(t, service, RecordChangeRequest{
		WriterSyncID:    state.SyncID,
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: watermark,
		Kind:     SyncKindContents,
	})
	if len(batch.Changes) != 0 {
		t.Fatalf("a subscriber must not receive its own writes, got %d changes", len(batch.Changes))
	}
}

func TestIncrementalContentsSyncDeliversOtherWrites(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	watermark := bumpChangeLog(t, service, db, 1)

	seedMessage(t, db, messageKey, folderKey)
	recorded := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: watermark,
		Kind:     SyncKindContents,
	})
	if len(batch.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(batch.Changes))
	}
	if batch.Changes[0].ChangeType != ChangeTypeMessageNew {
		t.Fatalf("unexpected change type %#x", batch.Changes[0].ChangeType)
	}
	if batch.MaxChangeID != recorded.ChangeID {
		t.Fatalf("watermark must advance to the served position: %d vs %d", batch.MaxChangeID, recorded.ChangeID)
	}
}

func TestDeleteWithoutPriorDeliveryIsSuppressed(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	watermark := bumpChangeLog(t, service, db, 1)

	// Create and delete while the subscriber was at the watermark; the
	// delete record replaces the create in the log.
	seedMessage(t, db, messageKey, folderKey)
	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageNew,
	})
	if err := db.Where("source_key = ?", []byte(messageKey)).Delete(&MessageRow{}).Error; err != nil {
		t.Fatalf("failed to remove message: %v", err)
	}
	deleted := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageHardDelete,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: watermark,
		Kind:     SyncKindContents,
	})
	if len(batch.Changes) != 0 {
		t.Fatalf("delete of a never-delivered message must be suppressed, got %+v", batch.Changes)
	}
	if batch.MaxChangeID != deleted.ChangeID {
		t.Fatalf("suppressed rows still advance the watermark: %d vs %d", batch.MaxChangeID, deleted.ChangeID)
	}
}

func TestMovedMessageDeliversDeleteToOldFolderAndCreateToNew(t *testing.T) {
	service, db := newTestService(t)
	destinationKey := SourceKey{0x01, 0x02}
	seedFolder(t, db, folderKey, nil)
	seedFolder(t, db, destinationKey, nil)
	seedMessage(t, db, messageKey, folderKey)
	oldState := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	newState := mustSubscribe(t, service, testCaller(), destinationKey, SyncKindContents)
	bumpChangeLog(t, service, db, 1)

	freshOld := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: oldState.SyncID, Kind: SyncKindContents})
	freshNew := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: newState.SyncID, Kind: SyncKindContents})
	if len(freshOld.Changes) != 1 || len(freshNew.Changes) != 0 {
		t.Fatalf("expected the message delivered to the old folder only, got %d and %d", len(freshOld.Changes), len(freshNew.Changes))
	}

	// The move is a delete under the old parent plus a create under the new.
	if err := db.Model(&MessageRow{}).Where("source_key = ?", []byte(messageKey)).
		Update("parent_source_key", []byte(destinationKey)).Error; err != nil {
		t.Fatalf("failed to move message: %v", err)
	}
	deleted := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageHardDelete,
	})
	created := mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: destinationKey,
		ChangeType:      ChangeTypeMessageNew,
	})
	if !deleted.Logged || !created.Logged {
		t.Fatalf("both halves of the move must be logged")
	}

	oldBatch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   oldState.SyncID,
		ChangeID: freshOld.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(oldBatch.Changes) != 1 {
		t.Fatalf("the old folder's subscriber must learn the message left, got %d changes", len(oldBatch.Changes))
	}
	if oldBatch.Changes[0].ChangeType != ChangeTypeMessageHardDelete || !oldBatch.Changes[0].SourceKey.Equal(messageKey) {
		t.Fatalf("expected a hard delete of %s, got %+v", messageKey, oldBatch.Changes[0])
	}

	newBatch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   newState.SyncID,
		ChangeID: freshNew.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(newBatch.Changes) != 1 {
		t.Fatalf("the new folder's subscriber must see the message arrive, got %d changes", len(newBatch.Changes))
	}
	if newBatch.Changes[0].ChangeType != ChangeTypeMessageNew || !newBatch.Changes[0].SourceKey.Equal(messageKey) {
		t.Fatalf("expected a create of %s, got %+v", messageKey, newBatch.Changes[0])
	}
}

func TestDeleteAfterDeliveryIsEmitted(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	seedMessage(t, db, messageKey, folderKey)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	bumpChangeLog(t, service, db, 1)
	fresh := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})
	if len(fresh.Changes) != 1 {
		t.Fatalf("expected the seeded message delivered, got %d", len(fresh.Changes))
	}

	if err := db.Where("source_key = ?", []byte(messageKey)).Delete(&MessageRow{}).Error; err != nil {
		t.Fatalf("failed to remove message: %v", err)
	}
	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageHardDelete,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(batch.Changes) != 1 || batch.Changes[0].ChangeType != ChangeTypeMessageHardDelete {
		t.Fatalf("expected the delete to surface, got %+v", batch.Changes)
	}

	// The subscriber never confirmed the delete, so a replay from the old
	// watermark re-delivers it.
	replay := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(replay.Changes) != 1 || replay.Changes[0].ChangeType != ChangeTypeMessageHardDelete {
		t.Fatalf("unconfirmed delete must be re-delivered, got %+v", replay.Changes)
	}

	// Once confirmed, the delete is gone for good.
	confirmed := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: batch.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(confirmed.Changes) != 0 {
		t.Fatalf("confirmed delete must not repeat, got %+v", confirmed.Changes)
	}
}

func TestUndeliveredModifySurfacesAsCreate(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	bumpChangeLog(t, service, db, 1)
	fresh := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})

	seedMessage(t, db, messageKey, folderKey)
	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageChange,
	})

	batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(batch.Changes) != 1 || batch.Changes[0].ChangeType != ChangeTypeMessageNew {
		t.Fatalf("a modify the subscriber never saw must surface as a create, got %+v", batch.Changes)
	}
}

func TestReadStateChangesNeedTheFlag(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	seedMessage(t, db, messageKey, folderKey)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	bumpChangeLog(t, service, db, 1)
	fresh := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})

	mustRecord(t, service, RecordChangeRequest{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageFlag,
	})

	without := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindContents,
	})
	if len(without.Changes) != 0 {
		t.Fatalf("read-state change must be dropped without the flag, got %+v", without.Changes)
	}

	with := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:   state.SyncID,
		ChangeID: fresh.MaxChangeID,
		Kind:     SyncKindContents,
		Flags:    SyncFlagReadState,
	})
	if len(with.Changes) != 1 || with.Changes[0].ChangeType != ChangeTypeMessageFlag {
		t.Fatalf("expected the read-state change, got %+v", with.Changes)
	}
}

func TestAssociatedMessagesNeedTheFlag(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	associated := MessageRow{
		SourceKey:       SourceKey{0x02, 0x0A},
		ParentSourceKey: folderKey,
		Associated:      true,
	}
	if err := db.Create(&associated).Error; err != nil {
		t.Fatalf("failed to seed associated message: %v", err)
	}
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	normal := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})
	if len(normal.Changes) != 0 {
		t.Fatalf("associated message must be hidden from a normal sync, got %+v", normal.Changes)
	}

	only := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID: state.SyncID,
		Kind:   SyncKindContents,
		Flags:  SyncFlagAssociated,
	})
	if len(only.Changes) != 1 {
		t.Fatalf("expected the associated message, got %+v", only.Changes)
	}
}

type payloadRestriction struct {
	payload string
}

func (r payloadRestriction) Match(message *MessageRow) bool {
	return message.PayloadJSON == r.payload
}

func TestRestrictedSyncEmitsSyntheticDeleteWhenMessageLeavesSet(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	matching := MessageRow{
		SourceKey:       messageKey,
		ParentSourceKey: folderKey,
		PayloadJSON:     "match",
	}
	if err := db.Create(&matching).Error; err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)

	restriction := payloadRestriction{payload: "match"}
	first := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:      state.SyncID,
		Kind:        SyncKindContents,
		Restriction: restriction,
	})
	if len(first.Changes) != 1 || first.Changes[0].ChangeType != ChangeTypeMessageNew {
		t.Fatalf("expected the matching message, got %+v", first.Changes)
	}
	if first.MaxChangeID == 0 {
		t.Fatalf("restricted delivery must claim a log position so the watermark advances")
	}

	// The message stops matching without any delete being logged.
	if err := db.Model(&MessageRow{}).Where("source_key = ?", []byte(messageKey)).
		Update("payload_json", "other").Error; err != nil {
		t.Fatalf("failed to update message: %v", err)
	}

	second := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:      state.SyncID,
		ChangeID:    first.MaxChangeID,
		Kind:        SyncKindContents,
		Restriction: restriction,
	})
	if len(second.Changes) != 1 || second.Changes[0].ChangeType != ChangeTypeMessageHardDelete {
		t.Fatalf("expected a synthetic delete, got %+v", second.Changes)
	}
	if second.MaxChangeID <= first.MaxChangeID {
		t.Fatalf("watermark must advance strictly: %d then %d", first.MaxChangeID, second.MaxChangeID)
	}

	// Stable set, stable watermark: the next pass is empty.
	third := mustGetChanges(t, service, testCaller(), ChangeQuery{
		SyncID:      state.SyncID,
		ChangeID:    second.MaxChangeID,
		Kind:        SyncKindContents,
		Restriction: restriction,
	})
	if len(third.Changes) != 0 {
		t.Fatalf("expected no changes on a stable restricted set, got %+v", third.Changes)
	}
	if third.MaxChangeID < second.MaxChangeID {
		t.Fatalf("watermark must not regress: %d then %d", second.MaxChangeID, third.MaxChangeID)
	}
}

func TestMarkerGenerationsAreBounded(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	seedMessage(t, db, messageKey, folderKey)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	watermark := bumpChangeLog(t, service, db, 1)

	for round := 0; round < markerGenerationsRetained+5; round++ {
		mustRecord(t, service, RecordChangeRequest{
			SourceKey:       messageKey,
			ParentSourceKey: folderKey,
			ChangeType:      ChangeTypeMessageChange,
		})
		batch := mustGetChanges(t, service, testCaller(), ChangeQuery{
			SyncID:   state.SyncID,
			ChangeID: watermark,
			Kind:     SyncKindContents,
		})
		watermark = batch.MaxChangeID
	}

	var generations []uint32
	err := db.Model(&SyncedMessageRow{}).
		Where("sync_id = ?", uint32(state.SyncID)).
		Distinct("change_id").
		Pluck("change_id", &generations).Error
	if err != nil {
		t.Fatalf("failed to count generations: %v", err)
	}
	if len(generations) > markerGenerationsRetained {
		t.Fatalf("marker generations must be trimmed to %d, found %d", markerGenerationsRetained, len(generations))
	}
}

func TestUnconfirmedMarkersAreRebuiltOnRetry(t *testing.T) {
	service, db := newTestService(t)
	seedFolder(t, db, folderKey, nil)
	seedMessage(t, db, messageKey, folderKey)
	state := mustSubscribe(t, service, testCaller(), folderKey, SyncKindContents)
	bumpChangeLog(t, service, db, 1)

	// The subscriber crashed before confirming the fresh batch; the retried
	// query from watermark zero must deliver the message again without
	// duplicating markers.
	first := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})
	retry := mustGetChanges(t, service, testCaller(), ChangeQuery{SyncID: state.SyncID, Kind: SyncKindContents})
	if len(retry.Changes) != len(first.Changes) {
		t.Fatalf("retry must re-deliver: %d vs %d changes", len(retry.Changes), len(first.Changes))
	}
	var count int64
	if err := db.Model(&SyncedMessageRow{}).Where("sync_id = ?", uint32(state.SyncID)).Count(&count).Error; err != nil {
		t.Fatalf("failed to count markers: %v", err)
	}
	if count != 1 {
		t.Fatalf("retry must not duplicate markers, found %d", count)
	}
}
