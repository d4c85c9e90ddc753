package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates or updates the schema for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(
		&User{},
		&Invite{},
		&ReservedUsername{},
		&VMRecord{},
		&VMSettingRow{},
		&ServerSettingRow{},
		&Recording{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
