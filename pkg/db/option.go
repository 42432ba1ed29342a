package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockingUpdate is a gorm scope applying SELECT ... FOR UPDATE row
// locking. SQLite has no row locks (writes lock the whole database), so
// the scope is a no-op there.
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
