package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewTestDB opens a private in-memory database with the gorm schema applied.
// Each call gets its own database, shared by the connections of that handle.
func NewTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := NewGormDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := MigrateSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}
