package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

const maxCheckLogs = 100

// AuditLog stores the administrative operation trail and the check usage
// trail. A nil *AuditLog discards everything.
type AuditLog struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db, nowFn: time.Now}
}

func (a *AuditLog) LogOperation(ctx context.Context, requestID, actor, action, target string, details any) error {
	if a == nil {
		return nil
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "encode operation details")
	}

	entry := &model.OperationLog{
		RequestID: requestID,
		Actor:     actor,
		Action:    action,
		Target:    target,
		Details:   string(detailsJSON),
		CreatedAt: a.nowFn().UTC(),
	}
	return errors.Wrap(a.db.WithContext(ctx).Create(entry).Error, "write operation log")
}

func (a *AuditLog) LogCheck(ctx context.Context, entry model.CheckLog) error {
	if a == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.nowFn().UTC()
	}
	return errors.Wrap(a.db.WithContext(ctx).Create(&entry).Error, "write check log")
}

// GetOperationLogs returns one page of the operation trail, newest first.
func (a *AuditLog) GetOperationLogs(ctx context.Context, page, pageSize int) ([]model.OperationLog, int64, error) {
	var (
		logs  []model.OperationLog
		total int64
	)
	if a == nil {
		return logs, 0, nil
	}
	if page < 1 {
		page = 1
	}

	db := a.db.WithContext(ctx)
	if err := db.Model(&model.OperationLog{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count operation logs")
	}

	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, errors.Wrap(err, "read operation logs")
	}
	return logs, total, nil
}

// GetCheckLogs returns the latest checks made against one key.
func (a *AuditLog) GetCheckLogs(ctx context.Context, key string, limit int) ([]model.CheckLog, error) {
	var usages []model.CheckLog
	if a == nil {
		return usages, nil
	}
	if limit <= 0 || limit > maxCheckLogs {
		limit = maxCheckLogs
	}
	err := a.db.WithContext(ctx).
		Where("license_key = ?", model.NormalizeKey(key)).
		Order("timestamp desc").
		Order("id desc").
		Limit(limit).
		Find(&usages).Error
	if err != nil {
		return nil, errors.Wrap(err, "read check logs")
	}
	return usages, nil
}
