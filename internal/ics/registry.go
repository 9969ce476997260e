package ics

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetOrCreateSubscription = "ics.registry.get_or_create"
	opAdvanceSubscription     = "ics.registry.advance"
	opListSyncStates          = "ics.registry.list_states"
)

// DirectorySourceKey is the pseudo target recorded for directory
// subscriptions, which track the whole address book rather than a folder.
var DirectorySourceKey = SourceKey{0xAB}

// GetOrCreateSubscription returns the registry state for a subscription.
// Sync id zero always allocates a new row after checking the caller can see
// the target; a nonzero sync id must already exist and must have been
// registered for the same kind.
func (s *Service) GetOrCreateSubscription(ctx context.Context, caller Caller, syncID SyncID, targetKey SourceKey, kind SyncKind) (SyncState, error) {
	if !kind.Valid() {
		s.logError(opGetOrCreateSubscription, "invalid_kind", ErrInvalidSyncKind, zap.Uint32("kind", uint32(kind)))
		return SyncState{}, newServiceError(opGetOrCreateSubscription, "invalid_kind", fmt.Errorf("%w: %d", ErrInvalidSyncKind, uint32(kind)))
	}
	if kind == SyncKindDirectory && targetKey.IsZero() {
		targetKey = DirectorySourceKey
	}
	if targetKey.IsZero() {
		s.logError(opGetOrCreateSubscription, "missing_target", ErrInvalidSourceKey)
		return SyncState{}, newServiceError(opGetOrCreateSubscription, "missing_target", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrInvalidSourceKey))
	}

	var state SyncState
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if syncID != 0 {
			row, err := s.lockSyncRow(tx, syncID, kind)
			if err != nil {
				return newServiceError(opGetOrCreateSubscription, "sync_lookup_failed", err)
			}
			row.LastUsedAtSeconds = s.nowSeconds()
			if err := tx.Save(row).Error; err != nil {
				s.logError(opGetOrCreateSubscription, "sync_update_failed", err, zap.Uint32("sync_id", uint32(syncID)))
				return newServiceError(opGetOrCreateSubscription, "sync_update_failed", err)
			}
			state = SyncState{SyncID: SyncID(row.SyncID), ChangeID: ChangeID(row.ChangeID)}
			return nil
		}

		if kind != SyncKindDirectory {
			folder, err := s.resolveFolder(tx, targetKey)
			if err != nil {
				s.logError(opGetOrCreateSubscription, "target_not_found", err, zap.String("target", targetKey.String()))
				return newServiceError(opGetOrCreateSubscription, "target_not_found", err)
			}
			if !caller.CanSeeFolder(folder) {
				return newServiceError(opGetOrCreateSubscription, "target_not_visible", fmt.Errorf("%w: %s", ErrPermissionDenied, targetKey))
			}
		}

		now := s.nowSeconds()
		row := SyncRow{
			SourceKey:         targetKey,
			Kind:              uint32(kind),
			ChangeID:          0,
			CreatedAtSeconds:  now,
			LastUsedAtSeconds: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			s.logError(opGetOrCreateSubscription, "sync_insert_failed", err, zap.String("target", targetKey.String()))
			return newServiceError(opGetOrCreateSubscription, "sync_insert_failed", err)
		}
		state = SyncState{SyncID: SyncID(row.SyncID), ChangeID: 0}
		return nil
	})
	if txErr != nil {
		return SyncState{}, txErr
	}
	return state, nil
}

// AdvanceSubscription raises a subscription's watermark. A value at or below
// the recorded watermark is ignored without error.
func (s *Service) AdvanceSubscription(ctx context.Context, syncID SyncID, changeID ChangeID) error {
	if syncID == 0 {
		return newServiceError(opAdvanceSubscription, "missing_sync_id", fmt.Errorf("%w: sync id zero", ErrInvalidArgument))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.advanceSyncRow(tx, syncID, changeID)
	})
}

func (s *Service) advanceSyncRow(tx *gorm.DB, syncID SyncID, changeID ChangeID) error {
	var row SyncRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sync_id = ?", uint32(syncID)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opAdvanceSubscription, "sync_not_found", fmt.Errorf("%w: sync %d", ErrNotFound, syncID))
	}
	if err != nil {
		s.logError(opAdvanceSubscription, "sync_select_failed", err, zap.Uint32("sync_id", uint32(syncID)))
		return newServiceError(opAdvanceSubscription, "sync_select_failed", err)
	}
	row.LastUsedAtSeconds = s.nowSeconds()
	if uint32(changeID) > row.ChangeID {
		row.ChangeID = uint32(changeID)
	}
	if err := tx.Save(&row).Error; err != nil {
		s.logError(opAdvanceSubscription, "sync_update_failed", err, zap.Uint32("sync_id", uint32(syncID)))
		return newServiceError(opAdvanceSubscription, "sync_update_failed", err)
	}
	return nil
}

// ListSyncStates returns the registry watermark for each requested sync id,
// preserving order. Unknown ids report change id zero.
func (s *Service) ListSyncStates(ctx context.Context, syncIDs []SyncID) ([]SyncState, error) {
	if len(syncIDs) == 0 {
		return nil, nil
	}
	requested := make([]uint32, 0, len(syncIDs))
	for _, id := range syncIDs {
		requested = append(requested, uint32(id))
	}
	var rows []SyncRow
	if err := s.db.WithContext(ctx).
		Where("sync_id IN ?", requested).
		Find(&rows).Error; err != nil {
		s.logError(opListSyncStates, "query_failed", err)
		return nil, newServiceError(opListSyncStates, "query_failed", err)
	}
	byID := make(map[SyncID]ChangeID, len(rows))
	for _, row := range rows {
		byID[SyncID(row.SyncID)] = ChangeID(row.ChangeID)
	}
	states := make([]SyncState, 0, len(syncIDs))
	for _, id := range syncIDs {
		states = append(states, SyncState{SyncID: id, ChangeID: byID[id]})
	}
	return states, nil
}

// lockSyncRow loads and row-locks a subscription, enforcing kind agreement.
func (s *Service) lockSyncRow(tx *gorm.DB, syncID SyncID, kind SyncKind) (*SyncRow, error) {
	var row SyncRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sync_id = ?", uint32(syncID)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sync %d", ErrNotFound, syncID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if row.Kind != uint32(kind) {
		return nil, fmt.Errorf("%w: sync %d is %s, queried as %s", ErrTypeMismatch, syncID, SyncKind(row.Kind), kind)
	}
	return &row, nil
}

// resolveFolder loads a live folder. Soft-deleted and missing folders both
// report ErrNotFound.
func (s *Service) resolveFolder(tx *gorm.DB, key SourceKey) (*FolderRow, error) {
	var folder FolderRow
	err := tx.Where("source_key = ?", []byte(key)).Take(&folder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if folder.SoftDeleted {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, key)
	}
	return &folder, nil
}
