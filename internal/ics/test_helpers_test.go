package ics

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	testInstanceUUID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	remoteInstance   = [16]byte{0xFE, 0xED, 0xFA, 0xCE, 4: 0x01}
)

func testInstanceGUID() [16]byte {
	var guid [16]byte
	copy(guid[:], testInstanceUUID[:])
	return guid
}

func newTestServiceConfig(db *gorm.DB) ServiceConfig {
	return ServiceConfig{
		Database:     db,
		Clock:        func() time.Time { return time.Unix(1700000600, 0).UTC() },
		InstanceGUID: testInstanceUUID,
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:syncstore_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&ChangeRow{},
		&DirectoryChangeRow{},
		&SyncRow{},
		&SyncedMessageRow{},
		&FolderRow{},
		&MessageRow{},
		&DirectoryEntryRow{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWith(t, func(cfg *ServiceConfig) {})
}

func newTestServiceWith(t *testing.T, mutate func(*ServiceConfig)) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	cfg := newTestServiceConfig(db)
	mutate(&cfg)
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func testCaller() Caller {
	return Caller{UserID: "user-1", CompanyID: 7}
}

func adminCaller() Caller {
	return Caller{UserID: "admin-1", CompanyID: 7, AdminLevel: AdminLevelSystem}
}

func seedFolder(t *testing.T, db *gorm.DB, key, parent SourceKey) {
	t.Helper()
	seedOwnedFolder(t, db, key, parent, "")
}

func seedOwnedFolder(t *testing.T, db *gorm.DB, key, parent SourceKey, owner string) {
	t.Helper()
	row := FolderRow{
		SourceKey:       key,
		ParentSourceKey: parent,
		DisplayName:     "folder-" + key.String(),
		OwnerUserID:     owner,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed folder %s: %v", key, err)
	}
}

func seedMessage(t *testing.T, db *gorm.DB, key, parent SourceKey) {
	t.Helper()
	row := MessageRow{
		SourceKey:       key,
		ParentSourceKey: parent,
		PayloadJSON:     `{"subject":"seeded"}`,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed message %s: %v", key, err)
	}
}

func mustSubscribe(t *testing.T, service *Service, caller Caller, target SourceKey, kind SyncKind) SyncState {
	t.Helper()
	state, err := service.GetOrCreateSubscription(context.Background(), caller, 0, target, kind)
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}
	return state
}

func mustRecord(t *testing.T, service *Service, req RecordChangeRequest) RecordChangeResult {
	t.Helper()
	result, err := service.RecordChange(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to record change: %v", err)
	}
	return result
}

func mustGetChanges(t *testing.T, service *Service, caller Caller, query ChangeQuery) ChangeBatch {
	t.Helper()
	batch, err := service.GetChanges(context.Background(), caller, query)
	if err != nil {
		t.Fatalf("failed to query changes: %v", err)
	}
	return batch
}

func sourceKeysOf(batch ChangeBatch) []string {
	keys := make([]string, 0, len(batch.Changes))
	for _, change := range batch.Changes {
		keys = append(keys, change.SourceKey.String())
	}
	return keys
}
