package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/silobase/silo/pkg/types"
)

// Document is a JSON state document stored in a single column. It
// implements driver.Valuer and sql.Scanner so GORM reads and writes it
// transparently on both drivers.
type Document map[string]any

// Value serializes the document for storage.
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, &types.ValidationError{Detail: err.Error()}
	}
	return string(b), nil
}

// Scan deserializes the document from its stored form.
func (d *Document) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*d = Document{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("cannot scan %T into Document", value)
	}
}

// GormDBDataType picks the column type per dialect.
func (Document) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "jsonb"
	default:
		return "text"
	}
}

// Validate reports whether the document can be persisted at all. Save
// calls it before touching the database so a broken document never costs
// a round trip.
func (d Document) Validate() error {
	if _, err := json.Marshal(d); err != nil {
		return &types.ValidationError{Detail: err.Error()}
	}
	return nil
}
