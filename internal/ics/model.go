package ics

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// SyncKind distinguishes the three change streams a subscription can track.
type SyncKind uint32

const (
	// SyncKindContents tracks messages within one folder.
	SyncKindContents SyncKind = 1
	// SyncKindHierarchy tracks the folder tree below one root.
	SyncKindHierarchy SyncKind = 2
	// SyncKindDirectory tracks address-book entries.
	SyncKindDirectory SyncKind = 3
)

// String returns a stable name for logging.
func (k SyncKind) String() string {
	switch k {
	case SyncKindContents:
		return "contents"
	case SyncKindHierarchy:
		return "hierarchy"
	case SyncKindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// Valid reports whether the kind is one of the three known streams.
func (k SyncKind) Valid() bool {
	return k == SyncKindContents || k == SyncKindHierarchy || k == SyncKindDirectory
}

// ChangeAction is the low nibble of a ChangeType.
type ChangeAction uint32

const (
	ActionNew        ChangeAction = 0x1
	ActionChange     ChangeAction = 0x2
	ActionFlag       ChangeAction = 0x3
	ActionSoftDelete ChangeAction = 0x4
	ActionHardDelete ChangeAction = 0x5

	actionMask uint32 = 0x000F
)

// Object-class bits combined with a ChangeAction to form a ChangeType. The
// numeric values are shared with stored change logs and must not change.
const (
	ChangeClassMessage   uint32 = 0x1000
	ChangeClassFolder    uint32 = 0x2000
	ChangeClassDirectory uint32 = 0x4000

	classMask uint32 = 0xF000
)

// ChangeType combines an object class with an action.
type ChangeType uint32

const (
	ChangeTypeMessageNew        = ChangeType(ChangeClassMessage | uint32(ActionNew))
	ChangeTypeMessageChange     = ChangeType(ChangeClassMessage | uint32(ActionChange))
	ChangeTypeMessageFlag       = ChangeType(ChangeClassMessage | uint32(ActionFlag))
	ChangeTypeMessageSoftDelete = ChangeType(ChangeClassMessage | uint32(ActionSoftDelete))
	ChangeTypeMessageHardDelete = ChangeType(ChangeClassMessage | uint32(ActionHardDelete))

	ChangeTypeFolderNew        = ChangeType(ChangeClassFolder | uint32(ActionNew))
	ChangeTypeFolderChange     = ChangeType(ChangeClassFolder | uint32(ActionChange))
	ChangeTypeFolderSoftDelete = ChangeType(ChangeClassFolder | uint32(ActionSoftDelete))
	ChangeTypeFolderHardDelete = ChangeType(ChangeClassFolder | uint32(ActionHardDelete))

	ChangeTypeDirectoryNew        = ChangeType(ChangeClassDirectory | uint32(ActionNew))
	ChangeTypeDirectoryChange     = ChangeType(ChangeClassDirectory | uint32(ActionChange))
	ChangeTypeDirectoryHardDelete = ChangeType(ChangeClassDirectory | uint32(ActionHardDelete))
)

// Action extracts the action nibble.
func (t ChangeType) Action() ChangeAction {
	return ChangeAction(uint32(t) & actionMask)
}

// Class extracts the object-class bits.
func (t ChangeType) Class() uint32 {
	return uint32(t) & classMask
}

// IsDelete reports whether the action removes the object.
func (t ChangeType) IsDelete() bool {
	action := t.Action()
	return action == ActionSoftDelete || action == ActionHardDelete
}

// Query flags accepted by GetChanges.
const (
	// SyncFlagNormal includes ordinary (non-associated) messages.
	SyncFlagNormal uint32 = 0x0001
	// SyncFlagAssociated includes associated (hidden metadata) messages.
	SyncFlagAssociated uint32 = 0x0002
	// SyncFlagNoSoftDeletions suppresses soft-delete records.
	SyncFlagNoSoftDeletions uint32 = 0x0004
	// SyncFlagNoDeletions suppresses soft and hard delete records.
	SyncFlagNoDeletions uint32 = 0x0008
	// SyncFlagReadState includes flag-only (read state) records.
	SyncFlagReadState uint32 = 0x0010
	// SyncFlagCatchup permits a server-wide fresh hierarchy sync for
	// non-admin callers that only want to establish a watermark.
	SyncFlagCatchup uint32 = 0x0020
)

// Flags stored on change rows.
const (
	// changeFlagDummy marks a synthetic row inserted only to advance the
	// log position; never delivered to subscribers.
	changeFlagDummy uint32 = 0x8000
)

const maxSourceKeyLength = 64

var (
	// ErrInvalidSourceKey indicates an empty or oversized source key.
	ErrInvalidSourceKey = errors.New("ics: invalid source key")
	// ErrInvalidSyncKind indicates an unknown sync kind value.
	ErrInvalidSyncKind = errors.New("ics: invalid sync kind")
	// ErrSelfParent indicates a change whose source key equals its parent.
	ErrSelfParent = errors.New("ics: source key equals parent source key")
)

// SourceKey is the stable, server-unique identifier of a groupware object.
// Ordering is byte-lexicographic over the encoded bytes.
type SourceKey []byte

// NewSourceKey validates raw bytes and returns a SourceKey.
func NewSourceKey(raw []byte) (SourceKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSourceKey)
	}
	if len(raw) > maxSourceKeyLength {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidSourceKey, maxSourceKeyLength)
	}
	key := make(SourceKey, len(raw))
	copy(key, raw)
	return key, nil
}

// ParseSourceKey decodes a hex-encoded source key.
func ParseSourceKey(encoded string) (SourceKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSourceKey, err)
	}
	return NewSourceKey(raw)
}

// String returns the hex encoding used in logs and on the wire.
func (k SourceKey) String() string {
	return hex.EncodeToString(k)
}

// Equal reports byte equality.
func (k SourceKey) Equal(other SourceKey) bool {
	return bytes.Equal(k, other)
}

// IsZero reports whether the key is empty.
func (k SourceKey) IsZero() bool {
	return len(k) == 0
}

// SyncID identifies one subscriber's tracking state for one folder or root.
// Zero means "allocate a new subscription" on registry calls and "local,
// non-replicated writer" on change-log calls.
type SyncID uint32

// ChangeID is a monotonically increasing change-log position.
type ChangeID uint32

// DirectoryEntryKind orders directory entries for delivery: users before the
// groups that reference them, groups before the companies that contain them.
type DirectoryEntryKind uint32

const (
	DirectoryEntryUser    DirectoryEntryKind = 1
	DirectoryEntryGroup   DirectoryEntryKind = 2
	DirectoryEntryCompany DirectoryEntryKind = 3
)

// Reserved built-in directory entries excluded from every enumeration.
const (
	reservedEntrySystem   uint32 = 1
	reservedEntryEveryone uint32 = 2
)

// Caller carries the identity and permission context for one call. There is
// no ambient session state; every operation receives the caller explicitly.
type Caller struct {
	UserID     string
	CompanyID  uint32
	AdminLevel int
}

// Admin levels.
const (
	AdminLevelNone    = 0
	AdminLevelCompany = 1
	AdminLevelSystem  = 2
)

// IsSystemAdmin reports store-wide visibility.
func (c Caller) IsSystemAdmin() bool {
	return c.AdminLevel >= AdminLevelSystem
}

// CanSeeFolder applies the ownership-based visibility rule: public folders
// (no owner) are visible to everyone, private folders only to their owner or
// an admin of sufficient level.
func (c Caller) CanSeeFolder(folder *FolderRow) bool {
	if folder == nil {
		return false
	}
	if folder.OwnerUserID == "" || folder.OwnerUserID == c.UserID {
		return true
	}
	return c.AdminLevel >= AdminLevelCompany
}

// ChangeRow is one retained change-log record. Message and folder records are
// REPLACE-upserted by (parent, source key) so only the latest pending change
// per object per folder survives; a moved object legitimately keeps one record
// under each parent, the delete under the old and the create under the new.
type ChangeRow struct {
	ID                uint32 `gorm:"column:id;primaryKey;autoIncrement"`
	SourceKey         []byte `gorm:"column:source_key;size:64;not null;uniqueIndex:idx_changes_parent_source,priority:2"`
	ParentSourceKey   []byte `gorm:"column:parent_source_key;size:64;not null;uniqueIndex:idx_changes_parent_source,priority:1;index:idx_changes_parent"`
	ChangeType        uint32 `gorm:"column:change_type;not null"`
	Flags             uint32 `gorm:"column:flags;not null;default:0"`
	OriginSyncID      uint32 `gorm:"column:origin_sync_id;not null;default:0"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRow) TableName() string {
	return "changes"
}

// DirectoryChangeRow is one directory change record. Unlike message and
// folder records these are retained individually, never replaced.
type DirectoryChangeRow struct {
	ID                uint32 `gorm:"column:id;primaryKey;autoIncrement"`
	EntryID           uint32 `gorm:"column:entry_id;not null;index:idx_dir_changes_entry"`
	EntryKind         uint32 `gorm:"column:entry_kind;not null"`
	Identifier        []byte `gorm:"column:identifier;size:64;not null"`
	CompanyID         uint32 `gorm:"column:company_id;not null;default:0"`
	ChangeType        uint32 `gorm:"column:change_type;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DirectoryChangeRow) TableName() string {
	return "directory_changes"
}

// SyncRow is the authoritative registry record for one subscription.
type SyncRow struct {
	SyncID            uint32 `gorm:"column:sync_id;primaryKey;autoIncrement"`
	SourceKey         []byte `gorm:"column:source_key;size:64;not null;index:idx_syncs_source_key"`
	Kind              uint32 `gorm:"column:sync_kind;not null"`
	ChangeID          uint32 `gorm:"column:change_id;not null;default:0"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	LastUsedAtSeconds int64  `gorm:"column:last_used_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncRow) TableName() string {
	return "syncs"
}

// SyncedMessageRow marks one message as delivered to one subscription within
// the marker generation identified by ChangeID. Used to decide whether a
// later delete of that message is observable to the subscriber.
type SyncedMessageRow struct {
	ID              uint32 `gorm:"column:id;primaryKey;autoIncrement"`
	SyncID          uint32 `gorm:"column:sync_id;not null;uniqueIndex:idx_synced_msgs,priority:1;index:idx_synced_msgs_sync"`
	ChangeID        uint32 `gorm:"column:change_id;not null;uniqueIndex:idx_synced_msgs,priority:2"`
	SourceKey       []byte `gorm:"column:source_key;size:64;not null;uniqueIndex:idx_synced_msgs,priority:3"`
	ParentSourceKey []byte `gorm:"column:parent_source_key;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncedMessageRow) TableName() string {
	return "synced_messages"
}

// FolderRow is the minimal folder record the differential queries traverse.
type FolderRow struct {
	SourceKey             []byte `gorm:"column:source_key;primaryKey;size:64"`
	ParentSourceKey       []byte `gorm:"column:parent_source_key;size:64;index:idx_folders_parent"`
	DisplayName           string `gorm:"column:display_name;size:190;not null"`
	OwnerUserID           string `gorm:"column:owner_user_id;size:190;not null;default:''"`
	IsSearchFolder        bool   `gorm:"column:is_search_folder;not null;default:false"`
	SoftDeleted           bool   `gorm:"column:soft_deleted;not null;default:false"`
	ChangeKey             []byte `gorm:"column:change_key;size:20"`
	PredecessorChangeList []byte `gorm:"column:predecessor_change_list;type:blob"`
}

// TableName provides the explicit table binding for GORM.
func (FolderRow) TableName() string {
	return "folders"
}

// MessageRow is the minimal message record the differential queries traverse.
type MessageRow struct {
	SourceKey             []byte `gorm:"column:source_key;primaryKey;size:64"`
	ParentSourceKey       []byte `gorm:"column:parent_source_key;size:64;not null;index:idx_messages_parent"`
	Associated            bool   `gorm:"column:associated;not null;default:false"`
	SoftDeleted           bool   `gorm:"column:soft_deleted;not null;default:false"`
	ReadFlag              bool   `gorm:"column:read_flag;not null;default:false"`
	PayloadJSON           string `gorm:"column:payload_json;type:text;not null;default:''"`
	UpdatedAtSeconds      int64  `gorm:"column:updated_at_s;not null;default:0"`
	ChangeKey             []byte `gorm:"column:change_key;size:20"`
	PredecessorChangeList []byte `gorm:"column:predecessor_change_list;type:blob"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRow) TableName() string {
	return "messages"
}

// DirectoryEntryRow is one address-book entry (user, group, or company).
type DirectoryEntryRow struct {
	EntryID     uint32 `gorm:"column:entry_id;primaryKey;autoIncrement"`
	Kind        uint32 `gorm:"column:kind;not null"`
	CompanyID   uint32 `gorm:"column:company_id;not null;default:0;index:idx_dir_entries_company"`
	Identifier  []byte `gorm:"column:identifier;size:64;not null;uniqueIndex:idx_dir_entries_identifier"`
	DisplayName string `gorm:"column:display_name;size:190;not null"`
	Hidden      bool   `gorm:"column:hidden;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (DirectoryEntryRow) TableName() string {
	return "directory_entries"
}

// Change is one element of a differential query result.
type Change struct {
	ChangeID        ChangeID
	SourceKey       SourceKey
	ParentSourceKey SourceKey
	ChangeType      ChangeType
	Flags           uint32
}

// ChangeBatch is the ordered result of one differential query together with
// the new high-water-mark the subscription advanced to.
type ChangeBatch struct {
	Changes     []Change
	MaxChangeID ChangeID
}

// ChangeQuery describes one differential query request.
type ChangeQuery struct {
	SyncID      SyncID
	TargetKey   SourceKey
	ChangeID    ChangeID
	Kind        SyncKind
	Flags       uint32
	Restriction Restriction
}

// Restriction narrows a contents sync to messages matching a caller-supplied
// predicate. When present, the query runs in full-compare mode against the
// delivered-marker set so messages leaving the restriction surface as
// deletes.
type Restriction interface {
	Match(message *MessageRow) bool
}

// SyncState is the caller-visible position of one subscription.
type SyncState struct {
	SyncID   SyncID
	ChangeID ChangeID
}

// DirectoryChange is one element of a directory differential query result,
// carrying the entry ordering key alongside the change itself.
type DirectoryChange struct {
	ChangeID   ChangeID
	EntryID    uint32
	EntryKind  DirectoryEntryKind
	Identifier []byte
	ChangeType ChangeType
}

// DirectoryBatch is the sorted, coalesced result of a directory query.
type DirectoryBatch struct {
	Changes     []DirectoryChange
	MaxChangeID ChangeID
}
