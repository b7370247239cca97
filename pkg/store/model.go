package store

import "time"

// objectRow is the current shape of the entity table. Rows are keyed on the
// composite (type, id); there is no surrogate id.
type objectRow struct {
	Type      string    `gorm:"column:type;primaryKey"`
	ID        string    `gorm:"column:id;primaryKey"`
	State     Document  `gorm:"column:state;not null"`
	Version   int       `gorm:"column:version;not null;default:1"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// alarmRow is the current shape of the alarm table, keyed on
// (type, id, name) so an entity holds at most one alarm per name.
type alarmRow struct {
	Type        string     `gorm:"column:type;primaryKey"`
	ID          string     `gorm:"column:id;primaryKey"`
	Name        string     `gorm:"column:name;primaryKey"`
	ScheduledAt time.Time  `gorm:"column:scheduled_at;not null;index"`
	ClaimedAt   *time.Time `gorm:"column:claimed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

func (r objectRow) record() *Record {
	return &Record{
		Type:      r.Type,
		ID:        r.ID,
		State:     r.State,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r alarmRow) record() AlarmRecord {
	return AlarmRecord{
		Type:        r.Type,
		ID:          r.ID,
		Name:        r.Name,
		ScheduledAt: r.ScheduledAt,
		ClaimedAt:   r.ClaimedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Table names are the prefix prepended verbatim, so "tenant1_" yields
// tenant1_objects and tenant1_alarms.
func objectsTable(prefix string) string { return prefix + "objects" }
func alarmsTable(prefix string) string  { return prefix + "alarms" }

func migrationsTable(prefix string) string { return prefix + "silo_migrations" }
