package store

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migration history. v1 shipped with entity-level locking columns on the
// objects table; the registry superseded that mechanism and v2 dropped
// them. v3 added claim tracking to alarms so delivery survives a poller
// crash. Models are snapshotted per version, never shared with the live
// row types.

type objectV1 struct {
	Type        string     `gorm:"column:type;primaryKey"`
	ID          string     `gorm:"column:id;primaryKey"`
	State       Document   `gorm:"column:state;not null"`
	Version     int        `gorm:"column:version;not null;default:1"`
	LockedBy    string     `gorm:"column:locked_by"`
	LockedUntil *time.Time `gorm:"column:locked_until"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

type alarmV1 struct {
	Type        string    `gorm:"column:type;primaryKey"`
	ID          string    `gorm:"column:id;primaryKey"`
	Name        string    `gorm:"column:name;primaryKey"`
	ScheduledAt time.Time `gorm:"column:scheduled_at;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

type alarmV3 struct {
	Type        string     `gorm:"column:type;primaryKey"`
	ID          string     `gorm:"column:id;primaryKey"`
	Name        string     `gorm:"column:name;primaryKey"`
	ScheduledAt time.Time  `gorm:"column:scheduled_at;not null;index"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

// Migrations returns the ordered migration set for the given table prefix.
func Migrations(prefix string) []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "1",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.Table(objectsTable(prefix)).AutoMigrate(&objectV1{}); err != nil {
					return err
				}
				return tx.Table(alarmsTable(prefix)).AutoMigrate(&alarmV1{})
			},
			Rollback: func(tx *gorm.DB) error {
				if err := tx.Migrator().DropTable(alarmsTable(prefix)); err != nil {
					return err
				}
				return tx.Migrator().DropTable(objectsTable(prefix))
			},
		},
		{
			ID: "2",
			Migrate: func(tx *gorm.DB) error {
				m := tx.Table(objectsTable(prefix)).Migrator()
				for _, col := range []string{"locked_by", "locked_until"} {
					if m.HasColumn(&objectV1{}, col) {
						if err := m.DropColumn(&objectV1{}, col); err != nil {
							return err
						}
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				m := tx.Table(objectsTable(prefix)).Migrator()
				if err := m.AddColumn(&objectV1{}, "LockedBy"); err != nil {
					return err
				}
				return m.AddColumn(&objectV1{}, "LockedUntil")
			},
		},
		{
			ID: "3",
			Migrate: func(tx *gorm.DB) error {
				return tx.Table(alarmsTable(prefix)).Migrator().AddColumn(&alarmV3{}, "ClaimedAt")
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Table(alarmsTable(prefix)).Migrator().DropColumn(&alarmV3{}, "claimed_at")
			},
		},
	}
}

// Migrate applies all pending migrations for the given prefix. The
// tracking table (<prefix>silo_migrations) records the applied base, so
// reruns are incremental and a fresh database applies everything.
func Migrate(db *gorm.DB, prefix string) error {
	return gormigrate.New(db, migrateOptions(prefix), Migrations(prefix)).Migrate()
}

// RollbackLast undoes the most recently applied migration.
func RollbackLast(db *gorm.DB, prefix string) error {
	return gormigrate.New(db, migrateOptions(prefix), Migrations(prefix)).RollbackLast()
}

func migrateOptions(prefix string) *gormigrate.Options {
	return &gormigrate.Options{
		TableName:      migrationsTable(prefix),
		IDColumnName:   "id",
		IDColumnSize:   64,
		UseTransaction: true,
	}
}

// AppliedMigrations lists the recorded migration ids, oldest first. An
// empty result means a fresh database.
func AppliedMigrations(db *gorm.DB, prefix string) ([]string, error) {
	if !db.Migrator().HasTable(migrationsTable(prefix)) {
		return nil, nil
	}
	var ids []string
	err := db.Table(migrationsTable(prefix)).Order("id").Pluck("id", &ids).Error
	return ids, err
}
