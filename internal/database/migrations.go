package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/syncstore/internal/ics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationSeedReservedDirectoryEntries = "2024-05-12_seed_reserved_directory_entries"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedReservedDirectoryEntries, apply: seedReservedDirectoryEntries},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedReservedDirectoryEntries creates the two built-in address-book entries
// every store carries. Entry ids 1 and 2 are reserved and never delivered by
// directory synchronization.
func seedReservedDirectoryEntries(db *gorm.DB) error {
	reserved := []ics.DirectoryEntryRow{
		{EntryID: 1, Kind: uint32(ics.DirectoryEntryUser), Identifier: []byte("SYSTEM"), DisplayName: "SYSTEM", Hidden: true},
		{EntryID: 2, Kind: uint32(ics.DirectoryEntryGroup), Identifier: []byte("Everyone"), DisplayName: "Everyone", Hidden: true},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&reserved).Error
}
