package ics

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

const (
	opContentsChanges = "ics.query.contents"

	// markerGenerationsRetained bounds how many confirmed delivery
	// generations a subscription keeps for rollback tolerance.
	markerGenerationsRetained = 10
)

// markerPlaceholderKey keeps a marker generation non-empty when a restricted
// sync matched no messages, so later queries can tell "empty set" from "no
// set".
var markerPlaceholderKey = []byte{0x00}

func (s *Service) contentsChanges(tx *gorm.DB, caller Caller, sync *SyncRow, query ChangeQuery) (ChangeBatch, error) {
	folder, err := s.resolveFolder(tx, SourceKey(sync.SourceKey))
	if err != nil {
		return ChangeBatch{}, newServiceError(opContentsChanges, "folder_unresolved", err)
	}
	if !caller.CanSeeFolder(folder) {
		return ChangeBatch{}, newServiceError(opContentsChanges, "folder_not_visible", fmt.Errorf("%w: %s", ErrPermissionDenied, SourceKey(sync.SourceKey)))
	}

	flags := query.Flags
	if flags&(SyncFlagNormal|SyncFlagAssociated) == 0 {
		flags |= SyncFlagNormal
	}

	// Marker rows above the confirmed watermark were never acknowledged by
	// the subscriber; the retried query must rebuild them.
	if err := s.dropUnconfirmedMarkers(tx, query.SyncID, query.ChangeID); err != nil {
		s.logError(opContentsChanges, "marker_prune_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "marker_prune_failed", err)
	}

	if query.Restriction != nil {
		return s.restrictedContentsChanges(tx, sync, query, folder, flags)
	}
	if query.ChangeID == 0 {
		return s.freshContentsChanges(tx, sync, query, folder, flags)
	}
	return s.incrementalContentsChanges(tx, sync, query, flags)
}

// freshContentsChanges returns every current message in the folder as a
// synthetic New change stamped with the current log tail.
func (s *Service) freshContentsChanges(tx *gorm.DB, sync *SyncRow, query ChangeQuery, folder *FolderRow, flags uint32) (ChangeBatch, error) {
	tail, err := s.changeLogTail(tx)
	if err != nil {
		s.logError(opContentsChanges, "tail_query_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "tail_query_failed", err)
	}

	messages, err := s.currentMessages(tx, SourceKey(folder.SourceKey), flags)
	if err != nil {
		s.logError(opContentsChanges, "message_query_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "message_query_failed", err)
	}

	batch := ChangeBatch{MaxChangeID: tail}
	markers := make([]SyncedMessageRow, 0, len(messages))
	for _, message := range messages {
		batch.Changes = append(batch.Changes, Change{
			ChangeID:        tail,
			SourceKey:       SourceKey(message.SourceKey),
			ParentSourceKey: SourceKey(message.ParentSourceKey),
			ChangeType:      ChangeTypeMessageNew,
		})
		markers = append(markers, SyncedMessageRow{
			SyncID:          sync.SyncID,
			ChangeID:        uint32(tail),
			SourceKey:       message.SourceKey,
			ParentSourceKey: message.ParentSourceKey,
		})
	}
	if err := s.writeMarkerGeneration(tx, sync.SyncID, markers); err != nil {
		s.logError(opContentsChanges, "marker_write_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "marker_write_failed", err)
	}
	return batch, nil
}

// incrementalContentsChanges scans the change log above the watermark for the
// folder, excluding the subscriber's own writes, and reconciles deliveries
// against the confirmed marker snapshot so a delete of a never-delivered
// create is suppressed. When the watermark moves, the updated delivered set
// is written as a new snapshot generation.
func (s *Service) incrementalContentsChanges(tx *gorm.DB, sync *SyncRow, query ChangeQuery, flags uint32) (ChangeBatch, error) {
	var rows []ChangeRow
	err := tx.Where("parent_source_key = ? AND id > ? AND origin_sync_id <> ?",
		sync.SourceKey, uint32(query.ChangeID), uint32(query.SyncID)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opContentsChanges, "change_query_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "change_query_failed", err)
	}

	snapshot, err := s.markerSnapshot(tx, query.SyncID, query.ChangeID)
	if err != nil {
		s.logError(opContentsChanges, "marker_query_failed", err)
		return ChangeBatch{}, newServiceError(opContentsChanges, "marker_query_failed", err)
	}
	delivered := make(map[string]SyncedMessageRow, len(snapshot))
	for _, marker := range snapshot {
		delivered[string(marker.SourceKey)] = marker
	}

	batch := ChangeBatch{MaxChangeID: query.ChangeID}
	for _, row := range rows {
		changeType := ChangeType(row.ChangeType)
		if changeType.Class() != ChangeClassMessage || row.Flags&changeFlagDummy != 0 {
			continue
		}
		if ChangeID(row.ID) > batch.MaxChangeID {
			batch.MaxChangeID = ChangeID(row.ID)
		}

		key := string(row.SourceKey)
		switch changeType.Action() {
		case ActionSoftDelete:
			if flags&(SyncFlagNoSoftDeletions|SyncFlagNoDeletions) != 0 {
				continue
			}
			if _, seen := delivered[key]; !seen {
				continue
			}
			delete(delivered, key)
			batch.Changes = append(batch.Changes, changeFromRow(row))
		case ActionHardDelete:
			if flags&SyncFlagNoDeletions != 0 {
				continue
			}
			if _, seen := delivered[key]; !seen {
				continue
			}
			delete(delivered, key)
			batch.Changes = append(batch.Changes, changeFromRow(row))
		case ActionFlag:
			if flags&SyncFlagReadState == 0 {
				continue
			}
			if _, seen := delivered[key]; !seen {
				continue
			}
			batch.Changes = append(batch.Changes, changeFromRow(row))
		case ActionNew, ActionChange:
			message, err := s.currentMessage(tx, SourceKey(row.SourceKey))
			if err != nil {
				return ChangeBatch{}, newServiceError(opContentsChanges, "message_lookup_failed", err)
			}
			if message == nil || message.SoftDeleted || !messageMatchesFlags(message, flags) {
				continue
			}
			change := changeFromRow(row)
			if _, seen := delivered[key]; !seen {
				// A modify of a message this subscriber never saw, for
				// example one that moved into the folder, surfaces as a
				// create.
				change.ChangeType = ChangeTypeMessageNew
			}
			delivered[key] = SyncedMessageRow{
				SourceKey:       row.SourceKey,
				ParentSourceKey: row.ParentSourceKey,
			}
			batch.Changes = append(batch.Changes, change)
		}
	}

	if batch.MaxChangeID > query.ChangeID {
		markers := make([]SyncedMessageRow, 0, len(delivered)+1)
		for _, marker := range delivered {
			markers = append(markers, SyncedMessageRow{
				SyncID:          sync.SyncID,
				ChangeID:        uint32(batch.MaxChangeID),
				SourceKey:       marker.SourceKey,
				ParentSourceKey: marker.ParentSourceKey,
			})
		}
		if len(markers) == 0 {
			markers = append(markers, SyncedMessageRow{
				SyncID:          sync.SyncID,
				ChangeID:        uint32(batch.MaxChangeID),
				SourceKey:       markerPlaceholderKey,
				ParentSourceKey: sync.SourceKey,
			})
		}
		if err := s.writeMarkerGeneration(tx, sync.SyncID, markers); err != nil {
			s.logError(opContentsChanges, "marker_write_failed", err)
			return ChangeBatch{}, newServiceError(opContentsChanges, "marker_write_failed", err)
		}
	}
	return batch, nil
}

// restrictedContentsChanges runs in full-compare mode: the current restricted
// set is diffed against the last delivered set so messages leaving the
// restriction surface as deletes even though no delete was ever logged.
func (s *Service) restrictedContentsChanges(tx *gorm.DB, sync *SyncRow, query ChangeQuery, folder *FolderRow, flags uint32) (ChangeBatch, error) {
	tail, err := s.changeLogTail(tx)
	if err != nil {
		return ChangeBatch{}, newServiceError(opContentsChanges, "tail_query_failed", err)
	}

	candidates, err := s.currentMessages(tx, SourceKey(folder.SourceKey), flags)
	if err != nil {
		return ChangeBatch{}, newServiceError(opContentsChanges, "message_query_failed", err)
	}
	current := make([]MessageRow, 0, len(candidates))
	for _, message := range candidates {
		copyOfMessage := message
		if query.Restriction.Match(&copyOfMessage) {
			current = append(current, message)
		}
	}

	delivered, err := s.markerSnapshot(tx, query.SyncID, query.ChangeID)
	if err != nil {
		return ChangeBatch{}, newServiceError(opContentsChanges, "marker_query_failed", err)
	}
	deliveredByKey := make(map[string]SyncedMessageRow, len(delivered))
	for _, marker := range delivered {
		deliveredByKey[string(marker.SourceKey)] = marker
	}

	batch := ChangeBatch{MaxChangeID: query.ChangeID}
	currentByKey := make(map[string]bool, len(current))
	for _, message := range current {
		key := string(message.SourceKey)
		currentByKey[key] = true
		if _, seen := deliveredByKey[key]; seen {
			modified, err := s.changedSince(tx, SourceKey(message.SourceKey), query.ChangeID)
			if err != nil {
				return ChangeBatch{}, newServiceError(opContentsChanges, "change_probe_failed", err)
			}
			if modified {
				batch.Changes = append(batch.Changes, Change{
					SourceKey:       SourceKey(message.SourceKey),
					ParentSourceKey: SourceKey(message.ParentSourceKey),
					ChangeType:      ChangeTypeMessageChange,
				})
			}
			continue
		}
		batch.Changes = append(batch.Changes, Change{
			SourceKey:       SourceKey(message.SourceKey),
			ParentSourceKey: SourceKey(message.ParentSourceKey),
			ChangeType:      ChangeTypeMessageNew,
		})
	}
	for _, marker := range delivered {
		if currentByKey[string(marker.SourceKey)] {
			continue
		}
		batch.Changes = append(batch.Changes, Change{
			SourceKey:       SourceKey(marker.SourceKey),
			ParentSourceKey: SourceKey(marker.ParentSourceKey),
			ChangeType:      ChangeTypeMessageHardDelete,
		})
	}
	sort.Slice(batch.Changes, func(i, j int) bool {
		return bytes.Compare(batch.Changes[i].SourceKey, batch.Changes[j].SourceKey) < 0
	})

	newMax := tail
	if len(batch.Changes) > 0 && tail <= query.ChangeID {
		// The log did not move but the delivered set must change; a
		// synthetic record claims a fresh position so the watermark still
		// advances strictly.
		newMax, err = s.insertDummyChange(tx, query.SyncID, SourceKey(folder.SourceKey))
		if err != nil {
			return ChangeBatch{}, newServiceError(opContentsChanges, "dummy_insert_failed", err)
		}
	}
	if newMax < query.ChangeID {
		newMax = query.ChangeID
	}
	batch.MaxChangeID = newMax
	for index := range batch.Changes {
		batch.Changes[index].ChangeID = newMax
	}

	markers := make([]SyncedMessageRow, 0, len(current)+1)
	for _, message := range current {
		markers = append(markers, SyncedMessageRow{
			SyncID:          sync.SyncID,
			ChangeID:        uint32(newMax),
			SourceKey:       message.SourceKey,
			ParentSourceKey: message.ParentSourceKey,
		})
	}
	if len(markers) == 0 {
		markers = append(markers, SyncedMessageRow{
			SyncID:          sync.SyncID,
			ChangeID:        uint32(newMax),
			SourceKey:       markerPlaceholderKey,
			ParentSourceKey: folder.SourceKey,
		})
	}
	if err := s.writeMarkerGeneration(tx, sync.SyncID, markers); err != nil {
		return ChangeBatch{}, newServiceError(opContentsChanges, "marker_write_failed", err)
	}
	return batch, nil
}

func changeFromRow(row ChangeRow) Change {
	return Change{
		ChangeID:        ChangeID(row.ID),
		SourceKey:       SourceKey(row.SourceKey),
		ParentSourceKey: SourceKey(row.ParentSourceKey),
		ChangeType:      ChangeType(row.ChangeType),
		Flags:           row.Flags,
	}
}

func messageMatchesFlags(message *MessageRow, flags uint32) bool {
	if message.Associated {
		return flags&SyncFlagAssociated != 0
	}
	return flags&SyncFlagNormal != 0
}

func (s *Service) currentMessages(tx *gorm.DB, folderKey SourceKey, flags uint32) ([]MessageRow, error) {
	var messages []MessageRow
	err := tx.Where("parent_source_key = ? AND soft_deleted = ?", []byte(folderKey), false).
		Order("source_key ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	filtered := messages[:0]
	for _, message := range messages {
		copyOfMessage := message
		if messageMatchesFlags(&copyOfMessage, flags) {
			filtered = append(filtered, message)
		}
	}
	return filtered, nil
}

func (s *Service) currentMessage(tx *gorm.DB, key SourceKey) (*MessageRow, error) {
	var message MessageRow
	err := tx.Where("source_key = ?", []byte(key)).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// changedSince reports whether any non-synthetic change record above the
// watermark exists for the source key.
func (s *Service) changedSince(tx *gorm.DB, key SourceKey, watermark ChangeID) (bool, error) {
	var count int64
	err := tx.Model(&ChangeRow{}).
		Where("source_key = ? AND id > ? AND flags & ? = 0", []byte(key), uint32(watermark), changeFlagDummy).
		Count(&count).Error
	return count > 0, err
}

// insertDummyChange appends a synthetic record whose only purpose is claiming
// a fresh log position. The per-sync reserved source key keeps it off every
// real object and lets REPLACE semantics retain only the latest bump.
func (s *Service) insertDummyChange(tx *gorm.DB, syncID SyncID, folderKey SourceKey) (ChangeID, error) {
	reserved := make([]byte, 5)
	reserved[0] = 0xDD
	binary.LittleEndian.PutUint32(reserved[1:], uint32(syncID))
	changeID, err := s.appendChangeRow(tx, RecordChangeRequest{
		WriterSyncID:    syncID,
		SourceKey:       reserved,
		ParentSourceKey: folderKey,
		ChangeType:      ChangeTypeMessageChange,
		Flags:           changeFlagDummy,
	})
	if err != nil {
		return 0, err
	}
	return changeID, nil
}

// markerSnapshot returns the newest delivered-set snapshot confirmed at or
// below the watermark, placeholder rows excluded. Older generations exist
// only for rollback and never merge into the result.
func (s *Service) markerSnapshot(tx *gorm.DB, syncID SyncID, watermark ChangeID) ([]SyncedMessageRow, error) {
	var generation sql.NullInt64
	err := tx.Model(&SyncedMessageRow{}).
		Where("sync_id = ? AND change_id <= ?", uint32(syncID), uint32(watermark)).
		Select("MAX(change_id)").
		Row().Scan(&generation)
	if err != nil {
		return nil, err
	}
	if !generation.Valid {
		return nil, nil
	}
	var rows []SyncedMessageRow
	err = tx.Where("sync_id = ? AND change_id = ?", uint32(syncID), uint32(generation.Int64)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	filtered := rows[:0]
	for _, row := range rows {
		if bytes.Equal(row.SourceKey, markerPlaceholderKey) {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered, nil
}

// dropUnconfirmedMarkers removes marker generations above the watermark the
// subscriber actually confirmed.
func (s *Service) dropUnconfirmedMarkers(tx *gorm.DB, syncID SyncID, watermark ChangeID) error {
	return tx.Where("sync_id = ? AND change_id > ?", uint32(syncID), uint32(watermark)).
		Delete(&SyncedMessageRow{}).Error
}

// writeMarkerGeneration stores a delivered-set snapshot and trims generations
// beyond the retained window. Rewriting the same generation, as a retried
// query does, replaces it.
func (s *Service) writeMarkerGeneration(tx *gorm.DB, syncID uint32, markers []SyncedMessageRow) error {
	if len(markers) == 0 {
		return nil
	}
	if err := tx.Where("sync_id = ? AND change_id = ?", syncID, markers[0].ChangeID).
		Delete(&SyncedMessageRow{}).Error; err != nil {
		return err
	}
	for index := range markers {
		markers[index].ID = 0
		if err := tx.Create(&markers[index]).Error; err != nil {
			return err
		}
	}

	var generations []uint32
	err := tx.Model(&SyncedMessageRow{}).
		Where("sync_id = ?", syncID).
		Distinct("change_id").
		Order("change_id DESC").
		Pluck("change_id", &generations).Error
	if err != nil {
		return err
	}
	if len(generations) <= markerGenerationsRetained {
		return nil
	}
	cutoff := generations[markerGenerationsRetained-1]
	return tx.Where("sync_id = ? AND change_id < ?", syncID, cutoff).
		Delete(&SyncedMessageRow{}).Error
}
