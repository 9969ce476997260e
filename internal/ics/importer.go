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
	opImportMessage   = "ics.import.message"
	opImportFolder    = "ics.import.folder"
	opImportDeletion  = "ics.import.deletion"
	opImportDirectory = "ics.import.directory"
)

// ImportStatus reports how an inbound change was disposed of.
type ImportStatus int

const (
	// ImportApplied means the change was new and written to the store.
	ImportApplied ImportStatus = iota
	// ImportAlreadyApplied means the store had already incorporated the
	// edit; the change was discarded as a no-op success.
	ImportAlreadyApplied
	// ImportIgnored means the change is outside the importable set, for
	// example a search folder.
	ImportIgnored
)

// ImportOutcome is the result of one ImportChange call. Conflict is reported
// even when the change was applied so the caller can audit it.
type ImportOutcome struct {
	Status   ImportStatus
	Conflict bool
	ChangeID ChangeID
}

// MessageImport is one inbound message change from a remote replica.
type MessageImport struct {
	SourceKey       SourceKey
	ParentSourceKey SourceKey
	Associated      bool
	ReadFlag        bool
	PayloadJSON     string
	UpdatedAt       int64
	// ChangeKey and PredecessorChangeList are the remote causality
	// metadata; both empty when the replica sent none.
	ChangeKey             []byte
	PredecessorChangeList []byte
}

// FolderImport is one inbound folder change from a remote replica.
type FolderImport struct {
	SourceKey             SourceKey
	ParentSourceKey       SourceKey
	DisplayName           string
	IsSearchFolder        bool
	ChangeKey             []byte
	PredecessorChangeList []byte
}

// DirectoryImport is one inbound address-book entry.
type DirectoryImport struct {
	EntryID     uint32
	Kind        DirectoryEntryKind
	Identifier  []byte
	CompanyID   uint32
	DisplayName string
	Hidden      bool
}

// ConflictCopyFunc is the policy hook invoked when a genuine conflict is
// applied last-writer-wins; implementations surface the losing version to the
// end user however the deployment wants (parallel message, conflicts folder).
type ConflictCopyFunc func(ctx context.Context, localPayload string, incoming MessageImport)

// pendingPublish defers a change notification until its transaction has
// committed.
type pendingPublish struct {
	req        RecordChangeRequest
	result     RecordChangeResult
	recipients []SyncID
}

func (p pendingPublish) fire(service *Service) {
	if p.result.Logged {
		service.publishChange(p.req, p.result, p.recipients)
	}
}

// ImportSession feeds accepted remote changes back into the store for one
// subscription, enforcing idempotence and conflict rules. Changes recorded
// through the session carry its sync id so the remote's own later poll does
// not re-receive them.
type ImportSession struct {
	service      *Service
	caller       Caller
	syncID       SyncID
	conflictCopy ConflictCopyFunc
	logger       *zap.Logger
}

// ImportSessionConfig assembles an ImportSession.
type ImportSessionConfig struct {
	Caller       Caller
	SyncID       SyncID
	ConflictCopy ConflictCopyFunc
	Logger       *zap.Logger
}

// NewImportSession binds an import session to a subscription.
func (s *Service) NewImportSession(cfg ImportSessionConfig) (*ImportSession, error) {
	if cfg.SyncID == 0 {
		return nil, newServiceError(opImportMessage, "missing_sync_id", fmt.Errorf("%w: sync id zero", ErrInvalidArgument))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ImportSession{
		service:      s,
		caller:       cfg.Caller,
		syncID:       cfg.SyncID,
		conflictCopy: cfg.ConflictCopy,
		logger:       logger,
	}, nil
}

// ImportMessageChange applies one inbound message change: create when the
// source key is unknown and the parent resolves, move when the parent
// changed, discard when the local predecessor list already contains the
// remote change key, and otherwise apply fields last-writer-wins, reporting
// any detected conflict.
func (imp *ImportSession) ImportMessageChange(ctx context.Context, change MessageImport) (ImportOutcome, error) {
	if change.SourceKey.IsZero() || change.ParentSourceKey.IsZero() {
		return ImportOutcome{}, newServiceError(opImportMessage, "missing_source_key", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrInvalidSourceKey))
	}

	service := imp.service
	var outcome ImportOutcome
	var conflictPayload string
	var publishes []pendingPublish
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MessageRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("source_key = ?", []byte(change.SourceKey)).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			var publish pendingPublish
			if err := imp.createImportedMessage(tx, change, &outcome, &publish); err != nil {
				return err
			}
			publishes = append(publishes, publish)
			return nil
		case err != nil:
			service.logError(opImportMessage, "message_select_failed", err, zap.String("source_key", change.SourceKey.String()))
			return newServiceError(opImportMessage, "message_select_failed", err)
		}

		remoteKey, haveRemoteKey, err := decodeOptionalChangeKey(change.ChangeKey)
		if err != nil {
			return newServiceError(opImportMessage, "corrupt_change_key", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
		}
		if haveRemoteKey && IsAlreadyApplied(remoteKey, DecodePCL(existing.PredecessorChangeList)) {
			outcome.Status = ImportAlreadyApplied
			return nil
		}
		localKey, haveLocalKey, err := decodeOptionalChangeKey(existing.ChangeKey)
		if err != nil {
			return newServiceError(opImportMessage, "corrupt_change_key", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
		}
		if haveLocalKey && len(change.PredecessorChangeList) > 0 {
			if CompareForConflict(localKey, DecodePCL(change.PredecessorChangeList)) == Conflict {
				outcome.Conflict = true
				conflictPayload = existing.PayloadJSON
			}
		}

		oldParent := SourceKey(existing.ParentSourceKey)
		moved := !oldParent.Equal(change.ParentSourceKey)
		if moved {
			if _, err := service.resolveFolder(tx, change.ParentSourceKey); err != nil {
				return newServiceError(opImportMessage, "parent_unresolved", err)
			}
		}

		updates := map[string]interface{}{
			"parent_source_key": []byte(change.ParentSourceKey),
			"associated":        change.Associated,
			"read_flag":         change.ReadFlag,
			"payload_json":      change.PayloadJSON,
			"updated_at_s":      change.UpdatedAt,
		}
		if haveRemoteKey {
			updates["change_key"] = append([]byte(nil), change.ChangeKey...)
			updates["predecessor_change_list"] = MergePCL(existing.PredecessorChangeList, remoteKey)
		}
		if err := tx.Model(&MessageRow{}).Where("source_key = ?", []byte(change.SourceKey)).Updates(updates).Error; err != nil {
			service.logError(opImportMessage, "message_update_failed", err, zap.String("source_key", change.SourceKey.String()))
			return newServiceError(opImportMessage, "message_update_failed", err)
		}

		changeType := ChangeTypeMessageChange
		if moved {
			// A move is a delete under the old parent plus a create under
			// the new one, so subscribers of either folder stay consistent.
			deleteReq := RecordChangeRequest{
				WriterSyncID:    imp.syncID,
				SourceKey:       change.SourceKey,
				ParentSourceKey: oldParent,
				ChangeType:      ChangeTypeMessageHardDelete,
			}
			deleteResult, deleteRecipients, err := service.recordChangeInTx(tx, deleteReq)
			if err != nil {
				return err
			}
			publishes = append(publishes, pendingPublish{req: deleteReq, result: deleteResult, recipients: deleteRecipients})
			changeType = ChangeTypeMessageNew
		}

		req := RecordChangeRequest{
			WriterSyncID:      imp.syncID,
			SourceKey:         change.SourceKey,
			ParentSourceKey:   change.ParentSourceKey,
			ChangeType:        changeType,
			ForceNewChangeKey: !haveRemoteKey,
		}
		result, recipients, err := service.recordChangeInTx(tx, req)
		if err != nil {
			return err
		}
		outcome.Status = ImportApplied
		outcome.ChangeID = result.ChangeID
		publishes = append(publishes, pendingPublish{req: req, result: result, recipients: recipients})
		return nil
	})
	if txErr != nil {
		return ImportOutcome{}, txErr
	}
	for _, publish := range publishes {
		publish.fire(service)
	}

	if outcome.Conflict && imp.conflictCopy != nil {
		imp.conflictCopy(ctx, conflictPayload, change)
	}
	if outcome.Conflict {
		imp.logger.Warn("conflicting message import applied",
			zap.String("source_key", change.SourceKey.String()),
			zap.Uint32("sync_id", uint32(imp.syncID)))
	}
	return outcome, nil
}

func (imp *ImportSession) createImportedMessage(tx *gorm.DB, change MessageImport, outcome *ImportOutcome, publish *pendingPublish) error {
	service := imp.service
	if _, err := service.resolveFolder(tx, change.ParentSourceKey); err != nil {
		return newServiceError(opImportMessage, "parent_unresolved", err)
	}

	remoteKey, haveRemoteKey, err := decodeOptionalChangeKey(change.ChangeKey)
	if err != nil {
		return newServiceError(opImportMessage, "corrupt_change_key", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	row := MessageRow{
		SourceKey:        change.SourceKey,
		ParentSourceKey:  change.ParentSourceKey,
		Associated:       change.Associated,
		ReadFlag:         change.ReadFlag,
		PayloadJSON:      change.PayloadJSON,
		UpdatedAtSeconds: change.UpdatedAt,
	}
	if haveRemoteKey {
		row.ChangeKey = append([]byte(nil), change.ChangeKey...)
		row.PredecessorChangeList = MergePCL(change.PredecessorChangeList, remoteKey)
	}
	if err := tx.Create(&row).Error; err != nil {
		service.logError(opImportMessage, "message_insert_failed", err, zap.String("source_key", change.SourceKey.String()))
		return newServiceError(opImportMessage, "message_insert_failed", err)
	}

	req := RecordChangeRequest{
		WriterSyncID:      imp.syncID,
		SourceKey:         change.SourceKey,
		ParentSourceKey:   change.ParentSourceKey,
		ChangeType:        ChangeTypeMessageNew,
		ForceNewChangeKey: !haveRemoteKey,
	}
	result, recipients, err := service.recordChangeInTx(tx, req)
	if err != nil {
		return err
	}
	outcome.Status = ImportApplied
	outcome.ChangeID = result.ChangeID
	*publish = pendingPublish{req: req, result: result, recipients: recipients}
	return nil
}

// ImportFolderChange applies one inbound folder change. Search folders are
// replica-local and ignored. A new folder under a resolvable parent is
// created with a collision-avoiding display name.
func (imp *ImportSession) ImportFolderChange(ctx context.Context, change FolderImport) (ImportOutcome, error) {
	if change.SourceKey.IsZero() || change.ParentSourceKey.IsZero() {
		return ImportOutcome{}, newServiceError(opImportFolder, "missing_source_key", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrInvalidSourceKey))
	}
	if change.IsSearchFolder {
		return ImportOutcome{Status: ImportIgnored}, nil
	}

	service := imp.service
	var outcome ImportOutcome
	var publish pendingPublish
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FolderRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("source_key = ?", []byte(change.SourceKey)).
			Take(&existing).Error

		changeType := ChangeTypeFolderChange
		remoteKey, haveRemoteKey, keyErr := decodeOptionalChangeKey(change.ChangeKey)
		if keyErr != nil {
			return newServiceError(opImportFolder, "corrupt_change_key", fmt.Errorf("%w: %v", ErrInvalidArgument, keyErr))
		}
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if _, err := service.resolveFolder(tx, change.ParentSourceKey); err != nil {
				return newServiceError(opImportFolder, "parent_unresolved", err)
			}
			name, err := imp.collisionFreeName(tx, change.ParentSourceKey, change.DisplayName)
			if err != nil {
				return newServiceError(opImportFolder, "name_probe_failed", err)
			}
			row := FolderRow{
				SourceKey:       change.SourceKey,
				ParentSourceKey: change.ParentSourceKey,
				DisplayName:     name,
				OwnerUserID:     imp.caller.UserID,
			}
			if haveRemoteKey {
				row.ChangeKey = append([]byte(nil), change.ChangeKey...)
				row.PredecessorChangeList = MergePCL(change.PredecessorChangeList, remoteKey)
			}
			if err := tx.Create(&row).Error; err != nil {
				service.logError(opImportFolder, "folder_insert_failed", err, zap.String("source_key", change.SourceKey.String()))
				return newServiceError(opImportFolder, "folder_insert_failed", err)
			}
			changeType = ChangeTypeFolderNew
		case err != nil:
			service.logError(opImportFolder, "folder_select_failed", err, zap.String("source_key", change.SourceKey.String()))
			return newServiceError(opImportFolder, "folder_select_failed", err)
		default:
			if haveRemoteKey && IsAlreadyApplied(remoteKey, DecodePCL(existing.PredecessorChangeList)) {
				outcome.Status = ImportAlreadyApplied
				return nil
			}
			updates := map[string]interface{}{
				"parent_source_key": []byte(change.ParentSourceKey),
				"display_name":      change.DisplayName,
			}
			if haveRemoteKey {
				updates["change_key"] = append([]byte(nil), change.ChangeKey...)
				updates["predecessor_change_list"] = MergePCL(existing.PredecessorChangeList, remoteKey)
			}
			if err := tx.Model(&FolderRow{}).Where("source_key = ?", []byte(change.SourceKey)).Updates(updates).Error; err != nil {
				service.logError(opImportFolder, "folder_update_failed", err, zap.String("source_key", change.SourceKey.String()))
				return newServiceError(opImportFolder, "folder_update_failed", err)
			}
		}

		req := RecordChangeRequest{
			WriterSyncID:      imp.syncID,
			SourceKey:         change.SourceKey,
			ParentSourceKey:   change.ParentSourceKey,
			ChangeType:        changeType,
			ForceNewChangeKey: !haveRemoteKey,
		}
		result, recipients, err := service.recordChangeInTx(tx, req)
		if err != nil {
			return err
		}
		outcome.Status = ImportApplied
		outcome.ChangeID = result.ChangeID
		publish = pendingPublish{req: req, result: result, recipients: recipients}
		return nil
	})
	if txErr != nil {
		return ImportOutcome{}, txErr
	}
	publish.fire(service)
	return outcome, nil
}

// ImportDeletion removes the named objects. Keys that no longer resolve are
// treated as already deleted and skipped without error.
func (imp *ImportSession) ImportDeletion(ctx context.Context, class uint32, soft bool, keys []SourceKey) (int, error) {
	if class != ChangeClassMessage && class != ChangeClassFolder {
		return 0, newServiceError(opImportDeletion, "invalid_class", fmt.Errorf("%w: class %#x", ErrInvalidArgument, class))
	}

	service := imp.service
	applied := 0
	for _, key := range keys {
		if key.IsZero() {
			continue
		}
		var publish pendingPublish
		txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var parentKey SourceKey
			switch class {
			case ChangeClassMessage:
				message, err := service.currentMessage(tx, key)
				if err != nil {
					return newServiceError(opImportDeletion, "message_select_failed", err)
				}
				if message == nil {
					return nil
				}
				parentKey = SourceKey(message.ParentSourceKey)
				if soft {
					if err := tx.Model(&MessageRow{}).Where("source_key = ?", []byte(key)).Update("soft_deleted", true).Error; err != nil {
						return newServiceError(opImportDeletion, "message_update_failed", err)
					}
				} else if err := tx.Where("source_key = ?", []byte(key)).Delete(&MessageRow{}).Error; err != nil {
					return newServiceError(opImportDeletion, "message_delete_failed", err)
				}
			case ChangeClassFolder:
				folder, err := service.resolveFolder(tx, key)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						return nil
					}
					return newServiceError(opImportDeletion, "folder_select_failed", err)
				}
				parentKey = SourceKey(folder.ParentSourceKey)
				if soft {
					if err := tx.Model(&FolderRow{}).Where("source_key = ?", []byte(key)).Update("soft_deleted", true).Error; err != nil {
						return newServiceError(opImportDeletion, "folder_update_failed", err)
					}
				} else if err := tx.Where("source_key = ?", []byte(key)).Delete(&FolderRow{}).Error; err != nil {
					return newServiceError(opImportDeletion, "folder_delete_failed", err)
				}
			}
			if parentKey.IsZero() {
				return nil
			}

			req := RecordChangeRequest{
				WriterSyncID:    imp.syncID,
				SourceKey:       key,
				ParentSourceKey: parentKey,
				ChangeType:      deletionChangeType(class, soft),
			}
			result, recipients, err := service.recordChangeInTx(tx, req)
			if err != nil {
				return err
			}
			applied++
			publish = pendingPublish{req: req, result: result, recipients: recipients}
			return nil
		})
		if txErr != nil {
			return applied, txErr
		}
		publish.fire(service)
	}
	return applied, nil
}

// ImportDirectoryEntry upserts one address-book entry and records the
// directory change under the session's sync id.
func (imp *ImportSession) ImportDirectoryEntry(ctx context.Context, entry DirectoryImport) (ImportOutcome, error) {
	if len(entry.Identifier) == 0 {
		return ImportOutcome{}, newServiceError(opImportDirectory, "missing_identifier", fmt.Errorf("%w: directory identifier required", ErrInvalidArgument))
	}

	service := imp.service
	var outcome ImportOutcome
	var directoryReq DirectoryChangeRequest
	var recipients []SyncID
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DirectoryEntryRow
		err := tx.Where("identifier = ?", entry.Identifier).Take(&existing).Error
		changeType := ChangeTypeDirectoryChange
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := DirectoryEntryRow{
				EntryID:     entry.EntryID,
				Kind:        uint32(entry.Kind),
				CompanyID:   entry.CompanyID,
				Identifier:  append([]byte(nil), entry.Identifier...),
				DisplayName: entry.DisplayName,
				Hidden:      entry.Hidden,
			}
			if err := tx.Create(&row).Error; err != nil {
				return newServiceError(opImportDirectory, "entry_insert_failed", err)
			}
			entry.EntryID = row.EntryID
			changeType = ChangeTypeDirectoryNew
		case err != nil:
			return newServiceError(opImportDirectory, "entry_select_failed", err)
		default:
			entry.EntryID = existing.EntryID
			updates := map[string]interface{}{
				"kind":         uint32(entry.Kind),
				"company_id":   entry.CompanyID,
				"display_name": entry.DisplayName,
				"hidden":       entry.Hidden,
			}
			if err := tx.Model(&DirectoryEntryRow{}).Where("entry_id = ?", existing.EntryID).Updates(updates).Error; err != nil {
				return newServiceError(opImportDirectory, "entry_update_failed", err)
			}
		}

		directoryReq = DirectoryChangeRequest{
			WriterSyncID: imp.syncID,
			EntryID:      entry.EntryID,
			EntryKind:    entry.Kind,
			Identifier:   entry.Identifier,
			CompanyID:    entry.CompanyID,
			ChangeType:   changeType,
		}
		changeID, recs, err := service.recordDirectoryChangeInTx(tx, directoryReq)
		if err != nil {
			return err
		}
		outcome.Status = ImportApplied
		outcome.ChangeID = changeID
		recipients = recs
		return nil
	})
	if txErr != nil {
		return ImportOutcome{}, txErr
	}
	service.publishDirectoryChange(directoryReq, outcome.ChangeID, recipients)
	return outcome, nil
}

// ImportDirectoryDeletion removes directory entries by identifier; unknown
// identifiers are already deleted and skipped.
func (imp *ImportSession) ImportDirectoryDeletion(ctx context.Context, identifiers [][]byte) (int, error) {
	service := imp.service
	applied := 0
	for _, identifier := range identifiers {
		if len(identifier) == 0 {
			continue
		}
		txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing DirectoryEntryRow
			err := tx.Where("identifier = ?", identifier).Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return newServiceError(opImportDirectory, "entry_select_failed", err)
			}
			if err := tx.Where("entry_id = ?", existing.EntryID).Delete(&DirectoryEntryRow{}).Error; err != nil {
				return newServiceError(opImportDirectory, "entry_delete_failed", err)
			}
			_, _, err = service.recordDirectoryChangeInTx(tx, DirectoryChangeRequest{
				WriterSyncID: imp.syncID,
				EntryID:      existing.EntryID,
				EntryKind:    DirectoryEntryKind(existing.Kind),
				Identifier:   existing.Identifier,
				CompanyID:    existing.CompanyID,
				ChangeType:   ChangeTypeDirectoryHardDelete,
			})
			if err != nil {
				return err
			}
			applied++
			return nil
		})
		if txErr != nil {
			return applied, txErr
		}
	}
	return applied, nil
}

func (imp *ImportSession) collisionFreeName(tx *gorm.DB, parentKey SourceKey, name string) (string, error) {
	if name == "" {
		name = "Imported folder"
	}
	candidate := name
	for attempt := 1; ; attempt++ {
		var count int64
		err := tx.Model(&FolderRow{}).
			Where("parent_source_key = ? AND display_name = ? AND soft_deleted = ?", []byte(parentKey), candidate, false).
			Count(&count).Error
		if err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)", name, attempt)
	}
}

// decodeOptionalChangeKey distinguishes an absent key from a corrupt one:
// absence skips the causality checks, corruption is an error. Treating a
// mangled key as absent would silently bypass the already-applied and
// conflict checks.
func decodeOptionalChangeKey(raw []byte) (ChangeKey, bool, error) {
	if len(raw) == 0 {
		return ChangeKey{}, false, nil
	}
	key, err := DecodeChangeKey(raw)
	if err != nil {
		return ChangeKey{}, false, err
	}
	return key, true, nil
}

func deletionChangeType(class uint32, soft bool) ChangeType {
	switch {
	case class == ChangeClassMessage && soft:
		return ChangeTypeMessageSoftDelete
	case class == ChangeClassMessage:
		return ChangeTypeMessageHardDelete
	case soft:
		return ChangeTypeFolderSoftDelete
	default:
		return ChangeTypeFolderHardDelete
	}
}
