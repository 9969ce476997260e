package ics

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opGetChanges = "ics.query.get_changes"

// GetChanges computes the ordered set of changes the subscription must apply
// to catch up from the watermark carried in the query. The result and the
// registry watermark advance are committed in one transaction: an interrupted
// call leaves the subscription exactly where it was.
func (s *Service) GetChanges(ctx context.Context, caller Caller, query ChangeQuery) (ChangeBatch, error) {
	if !query.Kind.Valid() {
		return ChangeBatch{}, newServiceError(opGetChanges, "invalid_kind", fmt.Errorf("%w: %d", ErrInvalidSyncKind, uint32(query.Kind)))
	}
	if query.SyncID == 0 {
		return ChangeBatch{}, newServiceError(opGetChanges, "missing_sync_id", fmt.Errorf("%w: sync id zero", ErrInvalidArgument))
	}

	if query.Kind == SyncKindDirectory {
		directoryBatch, err := s.queryDirectoryChanges(ctx, caller, query)
		if err != nil {
			return ChangeBatch{}, err
		}
		batch := ChangeBatch{MaxChangeID: directoryBatch.MaxChangeID}
		for _, change := range directoryBatch.Changes {
			batch.Changes = append(batch.Changes, Change{
				ChangeID:        change.ChangeID,
				SourceKey:       SourceKey(change.Identifier),
				ParentSourceKey: DirectorySourceKey,
				ChangeType:      change.ChangeType,
			})
		}
		return batch, nil
	}

	var batch ChangeBatch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sync, err := s.lockSyncRow(tx, query.SyncID, query.Kind)
		if err != nil {
			return newServiceError(opGetChanges, "sync_lookup_failed", err)
		}

		switch query.Kind {
		case SyncKindContents:
			batch, err = s.contentsChanges(tx, caller, sync, query)
		case SyncKindHierarchy:
			batch, err = s.hierarchyChanges(tx, caller, sync, query)
		}
		if err != nil {
			return err
		}
		return s.advanceSyncRow(tx, query.SyncID, batch.MaxChangeID)
	})
	if txErr != nil {
		return ChangeBatch{}, txErr
	}

	s.loggerOrDefault().Debug("differential query served",
		zap.Uint32("sync_id", uint32(query.SyncID)),
		zap.String("kind", query.Kind.String()),
		zap.Uint32("from", uint32(query.ChangeID)),
		zap.Uint32("to", uint32(batch.MaxChangeID)),
		zap.Int("changes", len(batch.Changes)))
	return batch, nil
}

// changeLogTail returns the highest change-log position, zero for an empty
// log.
func (s *Service) changeLogTail(tx *gorm.DB) (ChangeID, error) {
	var tail sql.NullInt64
	err := tx.Model(&ChangeRow{}).Select("MAX(id)").Row().Scan(&tail)
	if err != nil {
		return 0, err
	}
	if !tail.Valid {
		return 0, nil
	}
	return ChangeID(tail.Int64), nil
}

// directoryLogTail returns the highest directory change position ever
// recorded, zero for an empty log.
func (s *Service) directoryLogTail(tx *gorm.DB) (ChangeID, error) {
	var tail sql.NullInt64
	err := tx.Model(&DirectoryChangeRow{}).Select("MAX(id)").Row().Scan(&tail)
	if err != nil {
		return 0, err
	}
	if !tail.Valid {
		return 0, nil
	}
	return ChangeID(tail.Int64), nil
}
