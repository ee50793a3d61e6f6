package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"gorm.io/gorm"
)

// Category is a self-referential tree addressed by id + optional parent id.
// No owning in-memory pointers: parentage lives in the rows, cycle checks
// walk the id map.
type Category struct {
	ID          int       `gorm:"primary_key" json:"id"`
	OwnerId     int       `gorm:"index;not null" json:"owner_id"`
	IsGlobal    *bool     `gorm:"not null;default:false" json:"is_global"`
	Name        string    `gorm:"size:100;not null;index:uniq_category,unique" json:"name" binding:"required"`
	ParentId    *int      `gorm:"index:uniq_category,unique" json:"parent_id"`
	Description string    `gorm:"size:255" json:"description"`
	IsDeleted   *bool     `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// The unique index spans (name, parent_id, owner_id).
func (Category) TableName() string { return "categories" }

type NewCategory struct {
	Name        string `json:"name" binding:"required"`
	ParentId    *int   `json:"parent_id"`
	Description string `json:"description"`
	IsGlobal    *bool  `json:"is_global"`
}

// WouldCycle reports whether re-parenting categoryId under newParentId would
// close a loop. parentOf maps child id -> parent id for the owner's tree.
func WouldCycle(parentOf map[int]int, categoryId int, newParentId int) bool {
	cur := newParentId
	for steps := 0; steps <= len(parentOf)+1; steps++ {
		if cur == categoryId {
			return true
		}
		next, ok := parentOf[cur]
		if !ok {
			return false
		}
		cur = next
	}
	// Pre-existing loop in the map; treat as cyclic.
	return true
}

func loadParentMap(tx *gorm.DB, ownerId int) (map[int]int, error) {
	var rows []Category
	if err := tx.Scopes(VisibleTo(ownerId)).Select("id", "parent_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	parentOf := make(map[int]int, len(rows))
	for _, r := range rows {
		if r.ParentId != nil {
			parentOf[r.ID] = *r.ParentId
		}
	}
	return parentOf, nil
}

func AddCategory(ctx context.Context, tx *gorm.DB, input NewCategory) (*Category, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	if err := ValidateInput(input); err != nil {
		return nil, err
	}
	isGlobal := input.IsGlobal != nil && *input.IsGlobal
	if input.ParentId != nil {
		var parent Category
		if err := tx.Scopes(VisibleTo(ownerId), NotDeleted).First(&parent, *input.ParentId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("parent category %d: %w", *input.ParentId, utils.ErrorRecordNotFound)
			}
			return nil, err
		}
		// A global parent's descendants stay global and keep the parent's
		// owner; mixed-ownership subtrees are rejected.
		if parent.IsGlobal != nil && *parent.IsGlobal {
			if !isGlobal {
				return nil, errors.New("children of a global category must be global")
			}
			if parent.OwnerId != ownerId {
				return nil, fmt.Errorf("global category %d is single-writer: %w", parent.ID, utils.ErrVisibilityDenied)
			}
		} else if isGlobal {
			return nil, errors.New("a global category cannot hang under a private parent")
		}
	}
	var count int64
	nameScope := tx.Model(&Category{}).Where("name = ? AND owner_id = ?", input.Name, ownerId)
	if input.ParentId == nil {
		nameScope = nameScope.Where("parent_id IS NULL")
	} else {
		nameScope = nameScope.Where("parent_id = ?", *input.ParentId)
	}
	if err := nameScope.Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("category %q already exists under this parent", input.Name)
	}
	category := Category{
		OwnerId:     ownerId,
		IsGlobal:    &isGlobal,
		Name:        input.Name,
		ParentId:    input.ParentId,
		Description: input.Description,
	}
	if err := tx.Create(&category).Error; err != nil {
		return nil, err
	}
	if err := RecordAudit(tx.WithContext(ctx), "categories", category.ID, AuditActionCreate, nil, category); err != nil {
		return nil, err
	}
	return &category, nil
}

func GetCategory(ctx context.Context, tx *gorm.DB, id int) (*Category, error) {
	scope, err := ScopeFilter(ctx)
	if err != nil {
		return nil, err
	}
	var category Category
	if err := tx.Scopes(scope).First(&category, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &category, nil
}

func MoveCategory(ctx context.Context, tx *gorm.DB, id int, newParentId *int) (*Category, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	var before Category
	if err := tx.Scopes(OwnedBy(ownerId), NotDeleted).First(&before, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if newParentId != nil {
		if *newParentId == id {
			return nil, errors.New("category cannot be its own parent")
		}
		parentOf, err := loadParentMap(tx, ownerId)
		if err != nil {
			return nil, err
		}
		if WouldCycle(parentOf, id, *newParentId) {
			return nil, fmt.Errorf("moving category %d under %d would create a cycle", id, *newParentId)
		}
	}
	if err := tx.Model(&Category{}).Where("id = ? AND owner_id = ?", id, ownerId).Update("parent_id", newParentId).Error; err != nil {
		return nil, err
	}
	after := before
	after.ParentId = newParentId
	if err := RecordAudit(tx.WithContext(ctx), "categories", id, AuditActionUpdate, before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

// SoftDeleteCategory marks the category deleted; with recursive=true the
// whole subtree is marked in one statement batch.
func SoftDeleteCategory(ctx context.Context, tx *gorm.DB, id int, recursive bool) (int, error) {
	return setCategoryDeleted(ctx, tx, id, recursive, true, AuditActionDelete)
}

func RestoreCategory(ctx context.Context, tx *gorm.DB, id int, recursive bool) (int, error) {
	return setCategoryDeleted(ctx, tx, id, recursive, false, AuditActionRestore)
}

func setCategoryDeleted(ctx context.Context, tx *gorm.DB, id int, recursive bool, deleted bool, action AuditAction) (int, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return 0, errors.New("user id is required")
	}
	var root Category
	if err := tx.Scopes(OwnedBy(ownerId)).First(&root, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.ErrorRecordNotFound
		}
		return 0, err
	}
	ids := []int{id}
	if recursive {
		parentOf, err := loadParentMap(tx, ownerId)
		if err != nil {
			return 0, err
		}
		ids = append(ids, subtreeIds(parentOf, id)...)
	}
	res := tx.Model(&Category{}).Where("id IN ? AND owner_id = ?", ids, ownerId).Update("is_deleted", deleted)
	if res.Error != nil {
		return 0, res.Error
	}
	if err := RecordAudit(tx.WithContext(ctx), "categories", id, action, root, map[string]interface{}{"is_deleted": deleted, "affected_ids": ids}); err != nil {
		return 0, err
	}
	return int(res.RowsAffected), nil
}

func subtreeIds(parentOf map[int]int, rootId int) []int {
	var out []int
	frontier := []int{rootId}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for child, parent := range parentOf {
			for _, f := range frontier {
				if parent == f {
					out = append(out, child)
					next = append(next, child)
				}
			}
		}
		frontier = next
	}
	return out
}

func ListCategories(ctx context.Context, tx *gorm.DB, includeDeleted bool) ([]Category, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	q := tx.Scopes(VisibleTo(ownerId))
	if !includeDeleted {
		q = q.Scopes(NotDeleted)
	}
	var categories []Category
	if err := q.Order("id ASC").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}
