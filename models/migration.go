package models

import "gorm.io/gorm"

// Migrate creates/updates every table. Run behind the RUN_MIGRATION env flag
// or from a deploy job, never unconditionally at boot.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Account{},
		&Category{},
		&Transaction{},
		&RecurringTransaction{},
		&RecurringLog{},
		&AccountLog{},
		&AuditLog{},
	)
}
