package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	Username           string    `gorm:"size:100;not null;uniqueIndex" json:"username" binding:"required"`
	PasswordHash       string    `gorm:"size:255;not null" json:"-"`
	SecurityAnswerHash string    `gorm:"size:255" json:"-"`
	Role               UserRole  `gorm:"type:enum('admin','user');not null;default:'user'" json:"role"`
	IsActive           *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUserById(tx *gorm.DB, id int) (*User, error) {
	var user User
	if err := tx.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetUserActive soft-(de)activates a user. Users are never hard-deleted
// while referenced; deactivation only stops logins and scheduling.
func SetUserActive(tx *gorm.DB, id int, active bool) error {
	res := tx.Model(&User{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// ListActiveOwnerIds returns the ids of active users, used by the batch
// runner to fan out per-owner scheduling.
func ListActiveOwnerIds(tx *gorm.DB) ([]int, error) {
	var ids []int
	err := tx.Model(&User{}).Where("is_active = 1").Order("id ASC").Pluck("id", &ids).Error
	return ids, err
}
