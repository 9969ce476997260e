package ics

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opMaintenance = "ics.maintenance"

// MaintenanceStats reports the rows reclaimed by one RunMaintenance pass.
type MaintenanceStats struct {
	SyncsPurged            int64
	ChangesPurged          int64
	DirectoryChangesPurged int64
	MarkersPurged          int64
}

// RunMaintenance reclaims storage in three passes: subscriptions idle past
// the retention window, change-log records every live subscription has
// already confirmed, and delivered-message markers whose subscription is
// gone. Each pass runs in its own transaction so a failure leaves the
// earlier passes committed.
func (s *Service) RunMaintenance(ctx context.Context) (MaintenanceStats, error) {
	var stats MaintenanceStats

	purged, err := s.purgeIdleSyncs(ctx)
	if err != nil {
		return stats, err
	}
	stats.SyncsPurged = purged

	changes, directoryChanges, err := s.purgeConfirmedChanges(ctx)
	if err != nil {
		return stats, err
	}
	stats.ChangesPurged = changes
	stats.DirectoryChangesPurged = directoryChanges

	markers, err := s.purgeOrphanedMarkers(ctx)
	if err != nil {
		return stats, err
	}
	stats.MarkersPurged = markers

	s.loggerOrDefault().Info("maintenance pass complete",
		zap.Int64("syncs_purged", stats.SyncsPurged),
		zap.Int64("changes_purged", stats.ChangesPurged),
		zap.Int64("directory_changes_purged", stats.DirectoryChangesPurged),
		zap.Int64("markers_purged", stats.MarkersPurged))
	return stats, nil
}

// purgeIdleSyncs drops subscriptions not used within the retention window. A
// client resuming with a purged sync id gets ErrNotFound and must start a
// fresh synchronization.
func (s *Service) purgeIdleSyncs(ctx context.Context) (int64, error) {
	cutoff := s.nowSeconds() - int64(s.syncRetention.Seconds())
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("last_used_at_s < ?", cutoff).Delete(&SyncRow{})
		if result.Error != nil {
			s.logError(opMaintenance, "sync_purge_failed", result.Error)
			return newServiceError(opMaintenance, "sync_purge_failed", result.Error)
		}
		purged = result.RowsAffected
		return nil
	})
	return purged, err
}

// purgeConfirmedChanges drops log records no live subscription can still
// request: message and folder records at or below the lowest confirmed
// watermark of their kind, and message records whose parent folder has no
// contents subscription at all. Directory records are trimmed by the lowest
// directory watermark; while any directory subscription has never polled
// (watermark zero) nothing is trimmed, preserving the full sequence its
// first poll coalesces.
func (s *Service) purgeConfirmedChanges(ctx context.Context) (int64, int64, error) {
	var changes, directoryChanges int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		contentsFloor, contentsLive, err := watermarkFloor(tx, SyncKindContents)
		if err != nil {
			s.logError(opMaintenance, "watermark_scan_failed", err)
			return newServiceError(opMaintenance, "watermark_scan_failed", err)
		}
		hierarchyFloor, hierarchyLive, err := watermarkFloor(tx, SyncKindHierarchy)
		if err != nil {
			s.logError(opMaintenance, "watermark_scan_failed", err)
			return newServiceError(opMaintenance, "watermark_scan_failed", err)
		}

		messageFloor := tx.Where("change_type & ? = ?", classMask, ChangeClassMessage)
		if contentsLive {
			messageFloor = messageFloor.Where("id <= ?", contentsFloor)
		}
		result := messageFloor.Delete(&ChangeRow{})
		if result.Error != nil {
			s.logError(opMaintenance, "change_purge_failed", result.Error)
			return newServiceError(opMaintenance, "change_purge_failed", result.Error)
		}
		changes = result.RowsAffected

		// Message changes above the floor are still dropped when no
		// contents subscription covers their folder.
		uncovered := tx.Where("change_type & ? = ?", classMask, ChangeClassMessage).
			Where("parent_source_key NOT IN (?)",
				tx.Session(&gorm.Session{NewDB: true}).Model(&SyncRow{}).
					Where("sync_kind = ?", uint32(SyncKindContents)).
					Select("source_key"))
		result = uncovered.Delete(&ChangeRow{})
		if result.Error != nil {
			s.logError(opMaintenance, "change_purge_failed", result.Error)
			return newServiceError(opMaintenance, "change_purge_failed", result.Error)
		}
		changes += result.RowsAffected

		if hierarchyLive {
			result = tx.Where("change_type & ? = ? AND id <= ?", classMask, ChangeClassFolder, hierarchyFloor).
				Delete(&ChangeRow{})
			if result.Error != nil {
				s.logError(opMaintenance, "change_purge_failed", result.Error)
				return newServiceError(opMaintenance, "change_purge_failed", result.Error)
			}
			changes += result.RowsAffected
		}

		directoryFloor, directoryLive, err := watermarkFloor(tx, SyncKindDirectory)
		if err != nil {
			s.logError(opMaintenance, "watermark_scan_failed", err)
			return newServiceError(opMaintenance, "watermark_scan_failed", err)
		}
		if directoryLive && directoryFloor > 0 {
			result = tx.Where("id <= ?", uint32(directoryFloor)).Delete(&DirectoryChangeRow{})
			if result.Error != nil {
				s.logError(opMaintenance, "directory_purge_failed", result.Error)
				return newServiceError(opMaintenance, "directory_purge_failed", result.Error)
			}
			directoryChanges = result.RowsAffected
		}
		return nil
	})
	return changes, directoryChanges, err
}

// purgeOrphanedMarkers drops delivered-message markers whose subscription row
// no longer exists.
func (s *Service) purgeOrphanedMarkers(ctx context.Context) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("sync_id NOT IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&SyncRow{}).Select("sync_id")).
			Delete(&SyncedMessageRow{})
		if result.Error != nil {
			s.logError(opMaintenance, "marker_purge_failed", result.Error)
			return newServiceError(opMaintenance, "marker_purge_failed", result.Error)
		}
		purged = result.RowsAffected
		return nil
	})
	return purged, err
}

// watermarkFloor returns the lowest confirmed watermark among subscriptions
// of the given kind, and whether any such subscription exists. With none
// live, message trimming falls through to the coverage rule and folder and
// directory trimming is skipped.
func watermarkFloor(tx *gorm.DB, kind SyncKind) (ChangeID, bool, error) {
	var floor sql.NullInt64
	err := tx.Model(&SyncRow{}).
		Where("sync_kind = ?", uint32(kind)).
		Select("MIN(change_id)").
		Row().Scan(&floor)
	if err != nil {
		return 0, false, err
	}
	if !floor.Valid {
		return 0, false, nil
	}
	return ChangeID(floor.Int64), true, nil
}
