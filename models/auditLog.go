package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"gorm.io/gorm"
)

// AuditLog is the append-only mutation record. Every write to a domain table
// lands one row here, inside the same transaction as the write: if the audit
// insert fails the whole mutation rolls back.
type AuditLog struct {
	ID            int         `gorm:"primary_key" json:"id"`
	ActorId       int         `gorm:"index;not null" json:"actor_id"`
	ActorName     string      `gorm:"size:100" json:"actor_name"`
	TargetTable   string      `gorm:"size:64;not null;index:idx_audit_target" json:"target_table"`
	TargetId      int         `gorm:"not null;index:idx_audit_target" json:"target_id"`
	Action        AuditAction `gorm:"size:20;not null" json:"action"`
	OldValues     *string     `gorm:"type:json" json:"old_values"`
	NewValues     *string     `gorm:"type:json" json:"new_values"`
	ChangedFields *string     `gorm:"type:json" json:"changed_fields"`
	CorrelationId string      `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// ChangedFields diffs two snapshots through their JSON form and returns the
// sorted set of top-level field names whose values differ. A nil snapshot
// treats every field on the other side as changed.
func ChangedFields(before interface{}, after interface{}) ([]string, error) {
	beforeMap, err := snapshotMap(before)
	if err != nil {
		return nil, err
	}
	afterMap, err := snapshotMap(after)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var fields []string
	for key, oldVal := range beforeMap {
		newVal, ok := afterMap[key]
		if !ok || !reflect.DeepEqual(oldVal, newVal) {
			fields = append(fields, key)
			seen[key] = true
		}
	}
	for key := range afterMap {
		if _, ok := beforeMap[key]; !ok && !seen[key] {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

func snapshotMap(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := utils.UnmarshalFromJSON(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAudit writes one audit row for a mutation on targetTable/targetId.
// Actor identity and correlation id come from the statement context, so
// callers pass tx.WithContext(ctx). A no-op diff is rejected for every action
// except ACCESS. Errors wrap ErrAuditWriteFailure so callers roll back.
func RecordAudit(tx *gorm.DB, targetTable string, targetId int, action AuditAction, before interface{}, after interface{}) error {
	ctx := tx.Statement.Context
	actorId, _ := utils.GetUserIdFromContext(ctx)
	actorName, _ := utils.GetUserNameFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	fields, err := ChangedFields(before, after)
	if err != nil {
		return fmt.Errorf("diff %s/%d: %v: %w", targetTable, targetId, err, utils.ErrAuditWriteFailure)
	}
	if len(fields) == 0 && action != AuditActionAccess {
		return fmt.Errorf("%s on %s/%d changed nothing: %w", action, targetTable, targetId, utils.ErrAuditWriteFailure)
	}

	row := AuditLog{
		ActorId:       actorId,
		ActorName:     actorName,
		TargetTable:   targetTable,
		TargetId:      targetId,
		Action:        action,
		CorrelationId: correlationId,
	}
	if before != nil {
		s, err := utils.MarshalToJSON(before)
		if err != nil {
			return fmt.Errorf("old values %s/%d: %v: %w", targetTable, targetId, err, utils.ErrAuditWriteFailure)
		}
		row.OldValues = &s
	}
	if after != nil {
		s, err := utils.MarshalToJSON(after)
		if err != nil {
			return fmt.Errorf("new values %s/%d: %v: %w", targetTable, targetId, err, utils.ErrAuditWriteFailure)
		}
		row.NewValues = &s
	}
	fieldsJson, err := utils.MarshalToJSON(fields)
	if err != nil {
		return fmt.Errorf("changed fields %s/%d: %v: %w", targetTable, targetId, err, utils.ErrAuditWriteFailure)
	}
	row.ChangedFields = &fieldsJson

	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("audit insert %s/%d: %v: %w", targetTable, targetId, err, utils.ErrAuditWriteFailure)
	}
	return nil
}

// ListAuditLogs returns the newest audit rows for one target, most recent
// first.
func ListAuditLogs(tx *gorm.DB, targetTable string, targetId int, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []AuditLog
	err := tx.Where("target_table = ? AND target_id = ?", targetTable, targetId).
		Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
