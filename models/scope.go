package models

import (
	"context"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"gorm.io/gorm"
)

// Visibility & ownership resolution. A record is visible to an owner when it
// belongs to them or is flagged global; global grants read visibility only,
// never write access. Every read path additionally filters soft-deleted rows.

// Resolve reports whether a record is visible to ownerId.
func Resolve(ownerId int, recordOwnerId int, isGlobal bool) bool {
	return recordOwnerId == ownerId || isGlobal
}

// CanWrite reports whether ownerId may mutate a record. Global records stay
// single-writer: only the owning row's owner writes.
func CanWrite(ownerId int, recordOwnerId int) bool {
	return recordOwnerId == ownerId
}

// VisibleTo scopes a query to rows owned by ownerId or shared globally.
func VisibleTo(ownerId int) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("owner_id = ? OR is_global = 1", ownerId)
	}
}

// OwnedBy scopes a query to rows owned by ownerId only (write paths).
func OwnedBy(ownerId int) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("owner_id = ?", ownerId)
	}
}

// NotDeleted excludes soft-deleted rows. Applied on every scheduling and
// posting read regardless of visibility.
func NotDeleted(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = 0")
}

// ScopeFilter builds the read predicate for the caller in ctx: visibility for
// the context user plus soft-delete filtering. Admins requesting the global
// view get global rows only (mirrors the original tenant rule); plain users
// may not request it.
func ScopeFilter(ctx context.Context) (func(db *gorm.DB) *gorm.DB, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, gorm.ErrInvalidValue
	}
	globalView, _ := utils.GetGlobalViewFromContext(ctx)
	if globalView {
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		if !isAdmin {
			return nil, utils.ErrVisibilityDenied
		}
		return func(db *gorm.DB) *gorm.DB {
			return db.Where("is_global = 1").Where("is_deleted = 0")
		}, nil
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Scopes(VisibleTo(ownerId), NotDeleted)
	}, nil
}
