package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/silobase/silo/pkg/types"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the configuration required to open a store connection.
// Driver defaults to sqlite if left empty.
type Config struct {
	Driver   string
	DSN      string
	Logger   zerolog.Logger
	LogLevel gormlogger.LogLevel
}

// SQL is the relational Store implementation over GORM.
type SQL struct {
	db     *gorm.DB
	driver string
}

// Open connects to the configured database and returns the store. It does
// not run migrations; see Migrate.
func Open(cfg Config) (*SQL, error) {
	gormCfg := &gorm.Config{
		Logger:  newGormLogger(cfg.Logger, cfg.LogLevel),
		NowFunc: UTCNow,
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		driver   string
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		// Open the connection manually via database/sql using the modernc
		// driver (registered as "sqlite"), then hand the existing *sql.DB
		// to GORM so it does not try to open a second connection with
		// go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to initialize gorm with sqlite: %w", err)
		}
		driver = DriverSQLite

	case DriverPostgres:
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("store: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		driver = DriverPostgres

	default:
		return nil, fmt.Errorf("store: unsupported driver %q, use %q or %q", cfg.Driver, DriverSQLite, DriverPostgres)
	}

	return &SQL{db: database, driver: driver}, nil
}

// DB exposes the underlying GORM handle for migrations and tooling.
func (s *SQL) DB() *gorm.DB { return s.db }

// Driver returns the active driver name.
func (s *SQL) Driver() string { return s.driver }

func (s *SQL) objects(ctx context.Context, prefix string) *gorm.DB {
	return s.db.WithContext(ctx).Table(objectsTable(prefix))
}

func (s *SQL) alarms(ctx context.Context, prefix string) *gorm.DB {
	return s.db.WithContext(ctx).Table(alarmsTable(prefix))
}

// Load fetches an entity record.
func (s *SQL) Load(ctx context.Context, typ, id, prefix string) (*Record, error) {
	var row objectRow
	err := s.objects(ctx, prefix).Where("type = ? AND id = ?", typ, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// Save upserts an entity record, bumping the version on conflict.
func (s *SQL) Save(ctx context.Context, typ, id string, state Document, prefix string) (*Record, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}

	now := UTCNow()
	row := objectRow{
		Type:      typ,
		ID:        id,
		State:     state,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.objects(ctx, prefix).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "type"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"state":      state,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}

	// Read back for the stored version and original created_at.
	return s.Load(ctx, typ, id, prefix)
}

// Delete removes an entity record. Missing records are fine.
func (s *SQL) Delete(ctx context.Context, typ, id, prefix string) error {
	return s.objects(ctx, prefix).Where("type = ? AND id = ?", typ, id).Delete(&objectRow{}).Error
}

// UpsertAlarm schedules or reschedules an alarm, clearing any claim.
func (s *SQL) UpsertAlarm(ctx context.Context, typ, id, name string, at time.Time, prefix string) error {
	now := UTCNow()
	row := alarmRow{
		Type:        typ,
		ID:          id,
		Name:        name,
		ScheduledAt: Truncate(at),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	return s.alarms(ctx, prefix).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "type"}, {Name: "id"}, {Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"scheduled_at": Truncate(at),
			"claimed_at":   nil,
			"updated_at":   now,
		}),
	}).Create(&row).Error
}

// DueAlarms lists due, claimable alarms ordered by due time.
func (s *SQL) DueAlarms(ctx context.Context, now, staleBefore time.Time, limit int, prefix string) ([]AlarmRecord, error) {
	var rows []alarmRow
	q := s.alarms(ctx, prefix).
		Where("scheduled_at <= ? AND (claimed_at IS NULL OR claimed_at <= ?)", Truncate(now), Truncate(staleBefore)).
		Order("scheduled_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]AlarmRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// ClaimAlarm stamps the alarm with claimAt if unclaimed or stale.
func (s *SQL) ClaimAlarm(ctx context.Context, typ, id, name string, claimAt, staleBefore time.Time, prefix string) (bool, error) {
	res := s.alarms(ctx, prefix).
		Where("type = ? AND id = ? AND name = ? AND (claimed_at IS NULL OR claimed_at <= ?)",
			typ, id, name, Truncate(staleBefore)).
		Updates(map[string]any{
			"claimed_at": Truncate(claimAt),
			"updated_at": UTCNow(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RetireAlarm deletes the alarm only while claimedAt is still its stamp.
func (s *SQL) RetireAlarm(ctx context.Context, typ, id, name string, claimedAt time.Time, prefix string) (bool, error) {
	res := s.alarms(ctx, prefix).
		Where("type = ? AND id = ? AND name = ? AND claimed_at = ?", typ, id, name, Truncate(claimedAt)).
		Delete(&alarmRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteAlarm removes the alarm unconditionally.
func (s *SQL) DeleteAlarm(ctx context.Context, typ, id, name, prefix string) error {
	return s.alarms(ctx, prefix).
		Where("type = ? AND id = ? AND name = ?", typ, id, name).
		Delete(&alarmRow{}).Error
}

// DeleteAlarms removes every alarm for an entity.
func (s *SQL) DeleteAlarms(ctx context.Context, typ, id, prefix string) error {
	return s.alarms(ctx, prefix).
		Where("type = ? AND id = ?", typ, id).
		Delete(&alarmRow{}).Error
}

// ListAlarms lists an entity's pending alarms ordered by due time.
func (s *SQL) ListAlarms(ctx context.Context, typ, id, prefix string) ([]types.AlarmEntry, error) {
	var rows []alarmRow
	err := s.alarms(ctx, prefix).
		Where("type = ? AND id = ?", typ, id).
		Order("scheduled_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.AlarmEntry, len(rows))
	for i, r := range rows {
		out[i] = types.AlarmEntry{Name: r.Name, At: r.ScheduledAt}
	}
	return out, nil
}

// Ping verifies that the database connection is still alive.
func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
