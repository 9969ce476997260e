package ics

import (
	"bytes"
	"context"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opDirectoryChanges = "ics.query.directory"

// queryDirectoryChanges serves the address-book stream. The returned
// high-water-mark is the maximum directory change id ever recorded, not
// merely the maximum returned, so a scope-filtered client still advances
// consistently.
func (s *Service) queryDirectoryChanges(ctx context.Context, caller Caller, query ChangeQuery) (DirectoryBatch, error) {
	var batch DirectoryBatch
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockSyncRow(tx, query.SyncID, SyncKindDirectory); err != nil {
			return newServiceError(opDirectoryChanges, "sync_lookup_failed", err)
		}

		tail, err := s.directoryLogTail(tx)
		if err != nil {
			s.logError(opDirectoryChanges, "tail_query_failed", err)
			return newServiceError(opDirectoryChanges, "tail_query_failed", err)
		}

		if query.ChangeID == 0 {
			batch, err = s.freshDirectoryChanges(tx, caller, tail)
		} else {
			batch, err = s.incrementalDirectoryChanges(tx, caller, query.ChangeID, tail)
		}
		if err != nil {
			return err
		}
		return s.advanceSyncRow(tx, query.SyncID, batch.MaxChangeID)
	})
	if txErr != nil {
		return DirectoryBatch{}, txErr
	}

	s.loggerOrDefault().Debug("directory query served",
		zap.Uint32("sync_id", uint32(query.SyncID)),
		zap.Uint32("from", uint32(query.ChangeID)),
		zap.Uint32("to", uint32(batch.MaxChangeID)),
		zap.Int("changes", len(batch.Changes)))
	return batch, nil
}

// freshDirectoryChanges enumerates every current entry as a create at the
// current tail, excluding the two reserved built-ins and entries outside the
// caller's company unless the caller has system-wide visibility. When the
// directory change log is still empty the watermark stays zero; entries
// created before logging began are then re-enumerated by the next sync, which
// is the safe direction to be wrong in.
func (s *Service) freshDirectoryChanges(tx *gorm.DB, caller Caller, tail ChangeID) (DirectoryBatch, error) {
	var entries []DirectoryEntryRow
	err := tx.Where("hidden = ? AND entry_id NOT IN ?", false, []uint32{reservedEntrySystem, reservedEntryEveryone}).
		Find(&entries).Error
	if err != nil {
		s.logError(opDirectoryChanges, "entry_query_failed", err)
		return DirectoryBatch{}, newServiceError(opDirectoryChanges, "entry_query_failed", err)
	}

	batch := DirectoryBatch{MaxChangeID: tail}
	for _, entry := range entries {
		if !callerSeesDirectoryEntry(caller, entry.CompanyID, DirectoryEntryKind(entry.Kind), entry.EntryID) {
			continue
		}
		batch.Changes = append(batch.Changes, DirectoryChange{
			ChangeID:   tail,
			EntryID:    entry.EntryID,
			EntryKind:  DirectoryEntryKind(entry.Kind),
			Identifier: append([]byte(nil), entry.Identifier...),
			ChangeType: ChangeTypeDirectoryNew,
		})
	}
	sortDirectoryChanges(batch.Changes)
	return batch, nil
}

func (s *Service) incrementalDirectoryChanges(tx *gorm.DB, caller Caller, watermark ChangeID, tail ChangeID) (DirectoryBatch, error) {
	var rows []DirectoryChangeRow
	err := tx.Where("id > ?", uint32(watermark)).Order("id ASC").Find(&rows).Error
	if err != nil {
		s.logError(opDirectoryChanges, "change_query_failed", err)
		return DirectoryBatch{}, newServiceError(opDirectoryChanges, "change_query_failed", err)
	}

	changes := make([]DirectoryChange, 0, len(rows))
	for _, row := range rows {
		changeType := ChangeType(row.ChangeType)
		// Deletes always pass scope filtering; a subscriber must be able to
		// drop entries that moved out of its view.
		if !changeType.IsDelete() {
			if !callerSeesDirectoryEntry(caller, row.CompanyID, DirectoryEntryKind(row.EntryKind), row.EntryID) {
				continue
			}
		}
		changes = append(changes, DirectoryChange{
			ChangeID:   ChangeID(row.ID),
			EntryID:    row.EntryID,
			EntryKind:  DirectoryEntryKind(row.EntryKind),
			Identifier: append([]byte(nil), row.Identifier...),
			ChangeType: changeType,
		})
	}

	batch := DirectoryBatch{
		Changes:     coalesceDirectoryChanges(changes),
		MaxChangeID: tail,
	}
	if batch.MaxChangeID < watermark {
		batch.MaxChangeID = watermark
	}
	return batch, nil
}

func callerSeesDirectoryEntry(caller Caller, companyID uint32, kind DirectoryEntryKind, entryID uint32) bool {
	if caller.IsSystemAdmin() {
		return true
	}
	if companyID == caller.CompanyID {
		return true
	}
	return kind == DirectoryEntryCompany && entryID == caller.CompanyID
}

// sortDirectoryChanges applies the delivery order: users before groups before
// companies, then a deterministic byte compare of the entry identifier, then
// log position.
func sortDirectoryChanges(changes []DirectoryChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].EntryKind != changes[j].EntryKind {
			return changes[i].EntryKind < changes[j].EntryKind
		}
		if cmp := bytes.Compare(changes[i].Identifier, changes[j].Identifier); cmp != 0 {
			return cmp < 0
		}
		return changes[i].ChangeID < changes[j].ChangeID
	})
}

// coalesceDirectoryChanges sorts the raw sequence and folds each entry's
// history into at most one net change: a create followed by modifications
// stays a create, a create followed by a delete vanishes, a delete followed
// by a recreate becomes a plain modification.
func coalesceDirectoryChanges(changes []DirectoryChange) []DirectoryChange {
	sortDirectoryChanges(changes)

	result := make([]DirectoryChange, 0, len(changes))
	for index := 0; index < len(changes); {
		groupEnd := index + 1
		for groupEnd < len(changes) &&
			changes[groupEnd].EntryID == changes[index].EntryID &&
			bytes.Equal(changes[groupEnd].Identifier, changes[index].Identifier) {
			groupEnd++
		}

		net := changes[index]
		kept := true
		for _, next := range changes[index+1 : groupEnd] {
			if next.ChangeID > net.ChangeID {
				net.ChangeID = next.ChangeID
			}
			if !kept {
				// The entry was recreated after a net no-op; start over.
				net.ChangeType = next.ChangeType
				kept = true
				continue
			}
			switch {
			case net.ChangeType == ChangeTypeDirectoryNew && next.ChangeType == ChangeTypeDirectoryChange:
				// Already captured by the create.
			case net.ChangeType == ChangeTypeDirectoryNew && next.ChangeType == ChangeTypeDirectoryHardDelete:
				kept = false
			case net.ChangeType == ChangeTypeDirectoryChange && next.ChangeType == ChangeTypeDirectoryHardDelete:
				net.ChangeType = ChangeTypeDirectoryHardDelete
			case net.ChangeType == ChangeTypeDirectoryHardDelete && next.ChangeType == ChangeTypeDirectoryNew:
				net.ChangeType = ChangeTypeDirectoryChange
			case net.ChangeType == ChangeTypeDirectoryHardDelete && next.ChangeType == ChangeTypeDirectoryChange:
				net.ChangeType = ChangeTypeDirectoryChange
			}
		}
		if kept {
			result = append(result, net)
		}
		index = groupEnd
	}
	return result
}
