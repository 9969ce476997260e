package ics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRecordChange          = "ics.changelog.record"
	opRecordDirectoryChange = "ics.changelog.record_directory"
)

// RecordChangeRequest describes one committed store mutation.
type RecordChangeRequest struct {
	// WriterSyncID identifies the importing subscription when the change
	// came from a remote replica; zero means the change originated locally.
	WriterSyncID      SyncID
	SourceKey         SourceKey
	ParentSourceKey   SourceKey
	ChangeType        ChangeType
	Flags             uint32
	ForceNewChangeKey bool
}

// RecordChangeResult reports the log position and, for non-delete changes
// that generated a key, the new change key and merged predecessor list.
type RecordChangeResult struct {
	ChangeID ChangeID
	// Logged is false when the change was load-shed because no subscription
	// could ever observe it.
	Logged                bool
	ChangeKey             []byte
	PredecessorChangeList []byte
}

// RecordChange appends a mutation to the change log, maintains the
// delivered-marker bookkeeping, updates the object's change key and
// predecessor list when the edit originated locally, and fans a notification
// out to every subscriber of the parent except the writer. The notification
// is published after the transaction commits.
func (s *Service) RecordChange(ctx context.Context, req RecordChangeRequest) (RecordChangeResult, error) {
	if req.SourceKey.IsZero() || req.ParentSourceKey.IsZero() {
		return RecordChangeResult{}, newServiceError(opRecordChange, "missing_source_key", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrInvalidSourceKey))
	}
	if req.SourceKey.Equal(req.ParentSourceKey) {
		return RecordChangeResult{}, newServiceError(opRecordChange, "self_parent", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrSelfParent))
	}
	if req.ChangeType.Class() != ChangeClassMessage && req.ChangeType.Class() != ChangeClassFolder {
		return RecordChangeResult{}, newServiceError(opRecordChange, "invalid_change_type", fmt.Errorf("%w: change type %#x", ErrInvalidArgument, uint32(req.ChangeType)))
	}

	var result RecordChangeResult
	var recipients []SyncID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, recipients, err = s.recordChangeInTx(tx, req)
		return err
	})
	if txErr != nil {
		return RecordChangeResult{}, txErr
	}

	s.publishChange(req, result, recipients)
	return result, nil
}

// recordChangeInTx is the transactional core of RecordChange, shared with the
// import session adapters so an import and its log record commit atomically.
func (s *Service) recordChangeInTx(tx *gorm.DB, req RecordChangeRequest) (RecordChangeResult, []SyncID, error) {
	var result RecordChangeResult
	if req.ChangeType.Class() == ChangeClassMessage && !s.logAllChanges {
		covered, err := s.parentHasContentsSubscription(tx, req.ParentSourceKey)
		if err != nil {
			s.logError(opRecordChange, "subscription_probe_failed", err, zap.String("parent", req.ParentSourceKey.String()))
			return RecordChangeResult{}, nil, newServiceError(opRecordChange, "subscription_probe_failed", err)
		}
		if !covered {
			return result, nil, nil
		}
	}

	changeID, err := s.appendChangeRow(tx, req)
	if err != nil {
		return RecordChangeResult{}, nil, err
	}
	result.ChangeID = changeID
	result.Logged = true

	if req.ChangeType.IsDelete() {
		if req.WriterSyncID != 0 {
			if err := s.removeSyncedMessage(tx, req.WriterSyncID, req.SourceKey); err != nil {
				s.logError(opRecordChange, "marker_remove_failed", err, zap.String("source_key", req.SourceKey.String()))
				return RecordChangeResult{}, nil, newServiceError(opRecordChange, "marker_remove_failed", err)
			}
		}
	} else {
		if req.ChangeType == ChangeTypeMessageNew && req.WriterSyncID != 0 {
			if err := s.markDeliveredToWriter(tx, req.WriterSyncID, req.SourceKey, req.ParentSourceKey); err != nil {
				s.logError(opRecordChange, "marker_add_failed", err, zap.String("source_key", req.SourceKey.String()))
				return RecordChangeResult{}, nil, newServiceError(opRecordChange, "marker_add_failed", err)
			}
		}
		if req.WriterSyncID == 0 || req.ForceNewChangeKey {
			key := ChangeKey{InstanceGUID: s.instanceGUID, LocalChangeID: changeID}
			merged, err := s.stampObjectChangeKey(tx, req, key)
			if err != nil {
				s.logError(opRecordChange, "change_key_update_failed", err, zap.String("source_key", req.SourceKey.String()))
				return RecordChangeResult{}, nil, newServiceError(opRecordChange, "change_key_update_failed", err)
			}
			result.ChangeKey = key.Encode()
			result.PredecessorChangeList = merged
		}
	}

	recipients, err := s.changeRecipients(tx, req)
	if err != nil {
		s.logError(opRecordChange, "recipient_lookup_failed", err, zap.String("parent", req.ParentSourceKey.String()))
		return RecordChangeResult{}, nil, newServiceError(opRecordChange, "recipient_lookup_failed", err)
	}
	return result, recipients, nil
}

// publishChange fans the committed change out to the advisory bus.
func (s *Service) publishChange(req RecordChangeRequest, result RecordChangeResult, recipients []SyncID) {
	if s.bus == nil || !result.Logged {
		return
	}
	for _, syncID := range recipients {
		s.bus.Publish(ChangeEvent{
			SyncID:          syncID,
			ChangeID:        result.ChangeID,
			SourceKey:       req.SourceKey,
			ParentSourceKey: req.ParentSourceKey,
			ChangeType:      req.ChangeType,
		})
	}
}

// appendChangeRow applies the REPLACE semantics: the previous pending change
// for the object under the same parent, if any, is discarded and the new
// record takes a fresh log position. Records under other parents are left
// alone so a move keeps its delete visible to the old folder's subscribers.
func (s *Service) appendChangeRow(tx *gorm.DB, req RecordChangeRequest) (ChangeID, error) {
	if err := tx.Where("parent_source_key = ? AND source_key = ?",
		[]byte(req.ParentSourceKey), []byte(req.SourceKey)).Delete(&ChangeRow{}).Error; err != nil {
		s.logError(opRecordChange, "change_replace_failed", err, zap.String("source_key", req.SourceKey.String()))
		return 0, newServiceError(opRecordChange, "change_replace_failed", err)
	}
	row := ChangeRow{
		SourceKey:         req.SourceKey,
		ParentSourceKey:   req.ParentSourceKey,
		ChangeType:        uint32(req.ChangeType),
		Flags:             req.Flags,
		OriginSyncID:      uint32(req.WriterSyncID),
		RecordedAtSeconds: s.nowSeconds(),
	}
	if err := tx.Create(&row).Error; err != nil {
		s.logError(opRecordChange, "change_insert_failed", err, zap.String("source_key", req.SourceKey.String()))
		return 0, newServiceError(opRecordChange, "change_insert_failed", err)
	}
	return ChangeID(row.ID), nil
}

func (s *Service) parentHasContentsSubscription(tx *gorm.DB, parentKey SourceKey) (bool, error) {
	var count int64
	err := tx.Model(&SyncRow{}).
		Where("source_key = ? AND sync_kind = ?", []byte(parentKey), uint32(SyncKindContents)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// markDeliveredToWriter records an imported new message as already delivered
// to the importing subscription, inside its current marker generation. When
// the subscription keeps no marker set yet there is nothing to maintain.
func (s *Service) markDeliveredToWriter(tx *gorm.DB, syncID SyncID, sourceKey, parentKey SourceKey) error {
	var generation sql.NullInt64
	err := tx.Model(&SyncedMessageRow{}).
		Where("sync_id = ?", uint32(syncID)).
		Select("MAX(change_id)").
		Row().Scan(&generation)
	if err != nil {
		return err
	}
	if !generation.Valid {
		return nil
	}
	row := SyncedMessageRow{
		SyncID:          uint32(syncID),
		ChangeID:        uint32(generation.Int64),
		SourceKey:       sourceKey,
		ParentSourceKey: parentKey,
	}
	return tx.Create(&row).Error
}

func (s *Service) removeSyncedMessage(tx *gorm.DB, syncID SyncID, sourceKey SourceKey) error {
	return tx.Where("sync_id = ? AND source_key = ?", uint32(syncID), []byte(sourceKey)).
		Delete(&SyncedMessageRow{}).Error
}

// stampObjectChangeKey merges the new key into the object's predecessor list
// and persists both on the object row when it exists. The merged encoding is
// returned either way so a caller creating the object can persist it.
func (s *Service) stampObjectChangeKey(tx *gorm.DB, req RecordChangeRequest, key ChangeKey) ([]byte, error) {
	switch req.ChangeType.Class() {
	case ChangeClassMessage:
		var message MessageRow
		err := tx.Where("source_key = ?", []byte(req.SourceKey)).Take(&message).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MergePCL(nil, key), nil
		}
		if err != nil {
			return nil, err
		}
		merged := MergePCL(message.PredecessorChangeList, key)
		updates := map[string]interface{}{
			"change_key":              key.Encode(),
			"predecessor_change_list": merged,
		}
		if err := tx.Model(&MessageRow{}).Where("source_key = ?", []byte(req.SourceKey)).Updates(updates).Error; err != nil {
			return nil, err
		}
		return merged, nil
	case ChangeClassFolder:
		var folder FolderRow
		err := tx.Where("source_key = ?", []byte(req.SourceKey)).Take(&folder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MergePCL(nil, key), nil
		}
		if err != nil {
			return nil, err
		}
		merged := MergePCL(folder.PredecessorChangeList, key)
		updates := map[string]interface{}{
			"change_key":              key.Encode(),
			"predecessor_change_list": merged,
		}
		if err := tx.Model(&FolderRow{}).Where("source_key = ?", []byte(req.SourceKey)).Updates(updates).Error; err != nil {
			return nil, err
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("%w: change type %#x", ErrInvalidArgument, uint32(req.ChangeType))
	}
}

// changeRecipients collects the subscriptions to notify: contents
// subscriptions on the parent folder for message changes, hierarchy
// subscriptions on the parent and every ancestor for folder changes. The
// writer's own subscription is excluded to suppress self-echo.
func (s *Service) changeRecipients(tx *gorm.DB, req RecordChangeRequest) ([]SyncID, error) {
	var recipients []SyncID
	appendSyncs := func(target SourceKey, kind SyncKind) error {
		var rows []SyncRow
		err := tx.Where("source_key = ? AND sync_kind = ?", []byte(target), uint32(kind)).Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			if SyncID(row.SyncID) == req.WriterSyncID {
				continue
			}
			recipients = append(recipients, SyncID(row.SyncID))
		}
		return nil
	}

	if req.ChangeType.Class() == ChangeClassMessage {
		if err := appendSyncs(req.ParentSourceKey, SyncKindContents); err != nil {
			return nil, err
		}
		return recipients, nil
	}

	ancestor := req.ParentSourceKey
	for depth := 0; depth < maxHierarchyDepth && !ancestor.IsZero(); depth++ {
		if err := appendSyncs(ancestor, SyncKindHierarchy); err != nil {
			return nil, err
		}
		var folder FolderRow
		err := tx.Where("source_key = ?", []byte(ancestor)).Take(&folder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		ancestor = SourceKey(folder.ParentSourceKey)
	}
	return recipients, nil
}

// DirectoryChangeRequest describes one committed address-book mutation.
type DirectoryChangeRequest struct {
	WriterSyncID SyncID
	EntryID      uint32
	EntryKind    DirectoryEntryKind
	Identifier   []byte
	CompanyID    uint32
	ChangeType   ChangeType
}

// RecordDirectoryChange appends an address-book change. Directory records are
// retained individually so export-side coalescing can reconstruct the full
// sequence.
func (s *Service) RecordDirectoryChange(ctx context.Context, req DirectoryChangeRequest) (ChangeID, error) {
	if req.EntryID == 0 || len(req.Identifier) == 0 {
		return 0, newServiceError(opRecordDirectoryChange, "missing_identifier", fmt.Errorf("%w: directory entry identifier required", ErrInvalidArgument))
	}
	if req.ChangeType.Class() != ChangeClassDirectory {
		return 0, newServiceError(opRecordDirectoryChange, "invalid_change_type", fmt.Errorf("%w: change type %#x", ErrInvalidArgument, uint32(req.ChangeType)))
	}

	var changeID ChangeID
	var recipients []SyncID
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changeID, recipients, err = s.recordDirectoryChangeInTx(tx, req)
		return err
	})
	if txErr != nil {
		return 0, txErr
	}

	s.publishDirectoryChange(req, changeID, recipients)
	return changeID, nil
}

func (s *Service) recordDirectoryChangeInTx(tx *gorm.DB, req DirectoryChangeRequest) (ChangeID, []SyncID, error) {
	row := DirectoryChangeRow{
		EntryID:           req.EntryID,
		EntryKind:         uint32(req.EntryKind),
		Identifier:        append([]byte(nil), req.Identifier...),
		CompanyID:         req.CompanyID,
		ChangeType:        uint32(req.ChangeType),
		RecordedAtSeconds: s.nowSeconds(),
	}
	if err := tx.Create(&row).Error; err != nil {
		s.logError(opRecordDirectoryChange, "insert_failed", err, zap.Uint32("entry_id", req.EntryID))
		return 0, nil, newServiceError(opRecordDirectoryChange, "insert_failed", err)
	}
	var syncs []SyncRow
	if err := tx.Where("sync_kind = ?", uint32(SyncKindDirectory)).Find(&syncs).Error; err != nil {
		s.logError(opRecordDirectoryChange, "recipient_lookup_failed", err)
		return 0, nil, newServiceError(opRecordDirectoryChange, "recipient_lookup_failed", err)
	}
	var recipients []SyncID
	for _, sync := range syncs {
		if SyncID(sync.SyncID) == req.WriterSyncID {
			continue
		}
		recipients = append(recipients, SyncID(sync.SyncID))
	}
	return ChangeID(row.ID), recipients, nil
}

func (s *Service) publishDirectoryChange(req DirectoryChangeRequest, changeID ChangeID, recipients []SyncID) {
	if s.bus == nil {
		return
	}
	for _, syncID := range recipients {
		s.bus.Publish(ChangeEvent{
			SyncID:          syncID,
			ChangeID:        changeID,
			SourceKey:       SourceKey(req.Identifier),
			ParentSourceKey: DirectorySourceKey,
			ChangeType:      req.ChangeType,
		})
	}
}
