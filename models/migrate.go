package models

import "gorm.io/gorm"

func AutoMigrateAll(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Visitor{},
		&ChatSession{},
		&Message{},
		&Trigger{},
		&AuditEvent{},
	)
	if err != nil {
		return err
	}
	return nil
}
