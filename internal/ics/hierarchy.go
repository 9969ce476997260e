package ics

import (
	"fmt"

	"gorm.io/gorm"
)

const (
	opHierarchyChanges = "ics.query.hierarchy"

	// maxHierarchyDepth bounds tree walks against parent-pointer cycles in
	// corrupted stores.
	maxHierarchyDepth = 64
)

// hierarchyChanges walks the current folder tree below the subscription's
// target. Folders deleted since the last sync are invisible to the walk;
// their explicit delete records are what informs the subscriber.
func (s *Service) hierarchyChanges(tx *gorm.DB, caller Caller, sync *SyncRow, query ChangeQuery) (ChangeBatch, error) {
	root, err := s.resolveFolder(tx, SourceKey(sync.SourceKey))
	if err != nil {
		return ChangeBatch{}, newServiceError(opHierarchyChanges, "root_unresolved", err)
	}
	if !caller.CanSeeFolder(root) {
		return ChangeBatch{}, newServiceError(opHierarchyChanges, "root_not_visible", fmt.Errorf("%w: %s", ErrPermissionDenied, SourceKey(sync.SourceKey)))
	}

	storeWide := len(root.ParentSourceKey) == 0
	if query.ChangeID == 0 && storeWide && query.Flags&SyncFlagCatchup == 0 && !caller.IsSystemAdmin() {
		return ChangeBatch{}, newServiceError(opHierarchyChanges, "store_wide_initial_sync_denied",
			fmt.Errorf("%w: store-wide initial hierarchy sync requires catchup or admin", ErrPermissionDenied))
	}

	visited, err := s.walkVisibleTree(tx, caller, root)
	if err != nil {
		return ChangeBatch{}, err
	}

	tail, err := s.changeLogTail(tx)
	if err != nil {
		s.logError(opHierarchyChanges, "tail_query_failed", err)
		return ChangeBatch{}, newServiceError(opHierarchyChanges, "tail_query_failed", err)
	}

	if query.ChangeID == 0 {
		batch := ChangeBatch{MaxChangeID: tail}
		if query.Flags&SyncFlagCatchup != 0 {
			return batch, nil
		}
		for _, folder := range visited {
			batch.Changes = append(batch.Changes, Change{
				ChangeID:        tail,
				SourceKey:       SourceKey(folder.SourceKey),
				ParentSourceKey: SourceKey(folder.ParentSourceKey),
				ChangeType:      ChangeTypeFolderNew,
			})
		}
		return batch, nil
	}

	parents := make(map[string]bool, len(visited)+1)
	parents[string(root.SourceKey)] = true
	for _, folder := range visited {
		parents[string(folder.SourceKey)] = true
	}

	var rows []ChangeRow
	err = tx.Where("id > ? AND origin_sync_id <> ?", uint32(query.ChangeID), uint32(query.SyncID)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opHierarchyChanges, "change_query_failed", err)
		return ChangeBatch{}, newServiceError(opHierarchyChanges, "change_query_failed", err)
	}

	batch := ChangeBatch{MaxChangeID: query.ChangeID}
	for _, row := range rows {
		changeType := ChangeType(row.ChangeType)
		if changeType.Class() != ChangeClassFolder || row.Flags&changeFlagDummy != 0 {
			continue
		}
		if !parents[string(row.ParentSourceKey)] {
			continue
		}
		if ChangeID(row.ID) > batch.MaxChangeID {
			batch.MaxChangeID = ChangeID(row.ID)
		}
		switch changeType.Action() {
		case ActionSoftDelete:
			if query.Flags&(SyncFlagNoSoftDeletions|SyncFlagNoDeletions) != 0 {
				continue
			}
		case ActionHardDelete:
			if query.Flags&SyncFlagNoDeletions != 0 {
				continue
			}
		}
		batch.Changes = append(batch.Changes, changeFromRow(row))
	}
	return batch, nil
}

// walkVisibleTree collects the live folders below the root in breadth-first
// order. Subtrees the caller cannot see are skipped whole, or rejected when
// strict visibility is configured.
func (s *Service) walkVisibleTree(tx *gorm.DB, caller Caller, root *FolderRow) ([]FolderRow, error) {
	var visited []FolderRow
	frontier := [][]byte{root.SourceKey}
	for depth := 0; depth < maxHierarchyDepth && len(frontier) > 0; depth++ {
		var children []FolderRow
		err := tx.Where("parent_source_key IN ? AND soft_deleted = ?", frontier, false).
			Order("source_key ASC").
			Find(&children).Error
		if err != nil {
			s.logError(opHierarchyChanges, "tree_walk_failed", err)
			return nil, newServiceError(opHierarchyChanges, "tree_walk_failed", err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			childCopy := child
			if !caller.CanSeeFolder(&childCopy) {
				if s.strictVisibility {
					return nil, newServiceError(opHierarchyChanges, "subtree_not_visible",
						fmt.Errorf("%w: folder %s", ErrPermissionDenied, SourceKey(child.SourceKey)))
				}
				continue
			}
			visited = append(visited, child)
			frontier = append(frontier, child.SourceKey)
		}
	}
	return visited, nil
}
