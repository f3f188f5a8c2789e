package store

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
	cursorKeyPrefix     = "pull_cursor:"
)

// EnqueueChange queues a local change for the next push. Re-enqueueing the same
// idempotency key is a no-op.
func (s *Service) EnqueueChange(ctx context.Context, change syncmodel.Change) error {
	if err := change.Validate(); err != nil {
		s.logError(opEnqueueChange, reasonInvalidChange, err)
		return newServiceError(opEnqueueChange, reasonInvalidChange, err)
	}
	return s.enqueue(s.db.WithContext(ctx), opEnqueueChange, change)
}

// ApplyLocalChange records a mutation made on this device: the row is written
// and the change is queued for push in the same transaction.
func (s *Service) ApplyLocalChange(ctx context.Context, change syncmodel.Change) error {
	if operation, err := syncmodel.ParseOperation(string(change.Operation)); err == nil {
		change.Operation = operation
	}
	if err := change.Validate(); err != nil {
		s.logError(opApplyLocalChange, reasonInvalidChange, err)
		return newServiceError(opApplyLocalChange, reasonInvalidChange, err)
	}
	updatedAtMs, _ := syncmodel.ParseTimestampMs(change.UpdatedAt)

	unlock := s.lockEntity(change.EntityType, change.EntityID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		local, err := findEntity(transaction, change.EntityType, change.EntityID)
		if err != nil {
			s.logError(opApplyLocalChange, reasonQueryFailed, err, zap.String("entity_id", change.EntityID))
			return newServiceError(opApplyLocalChange, reasonQueryFailed, err)
		}
		next := entityFromChange(change, updatedAtMs, local)
		if err := transaction.Save(&next).Error; err != nil {
			s.logError(opApplyLocalChange, reasonWriteFailed, err, zap.String("entity_id", change.EntityID))
			return newServiceError(opApplyLocalChange, reasonWriteFailed, err)
		}
		return s.enqueue(transaction, opApplyLocalChange, change)
	})
}

func (s *Service) enqueue(db *gorm.DB, operation string, change syncmodel.Change) error {
	now := s.nowMs()
	entry := OutboxEntry{
		IdempotencyKey:  change.IdempotencyKey,
		EntityType:      string(change.EntityType),
		EntityID:        change.EntityID,
		Operation:       string(change.Operation),
		UpdatedAt:       change.UpdatedAt,
		UpdatedByDevice: change.UpdatedByDevice,
		SyncVersion:     change.SyncVersion,
		PayloadJSON:     change.Payload,
		Status:          OutboxPending,
		CreatedAtMs:     now,
		UpdatedAtMs:     now,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		s.logError(operation, reasonWriteFailed, err, zap.String("idempotency_key", change.IdempotencyKey))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

// ListPendingChanges returns up to limit queued changes in enqueue order.
func (s *Service) ListPendingChanges(ctx context.Context, limit int) ([]syncmodel.Change, error) {
	limit = clampLimit(limit, defaultPendingLimit, maxPendingLimit)
	var entries []OutboxEntry
	if err := s.db.WithContext(ctx).
		Where("status = ?", OutboxPending).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(opListPending, reasonQueryFailed, err)
		return nil, newServiceError(opListPending, reasonQueryFailed, err)
	}
	changes := make([]syncmodel.Change, 0, len(entries))
	for _, entry := range entries {
		changes = append(changes, entry.Change())
	}
	return changes, nil
}

// MarkPushResult moves accepted keys to pushed and rejected keys to rejected
// with their reason.
func (s *Service) MarkPushResult(ctx context.Context, accepted []string, rejected map[string]string) error {
	now := s.nowMs()
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if len(accepted) > 0 {
			if err := transaction.Model(&OutboxEntry{}).
				Where("idempotency_key IN ?", accepted).
				Updates(map[string]interface{}{"status": OutboxPushed, "updated_at_ms": now}).Error; err != nil {
				s.logError(opMarkPushResult, reasonWriteFailed, err)
				return newServiceError(opMarkPushResult, reasonWriteFailed, err)
			}
		}
		for key, reason := range rejected {
			if err := transaction.Model(&OutboxEntry{}).
				Where("idempotency_key = ?", key).
				Updates(map[string]interface{}{"status": OutboxRejected, "reject_reason": strings.TrimSpace(reason), "updated_at_ms": now}).Error; err != nil {
				s.logError(opMarkPushResult, reasonWriteFailed, err, zap.String("idempotency_key", key))
				return newServiceError(opMarkPushResult, reasonWriteFailed, err)
			}
		}
		return nil
	})
}

// GetCursor returns the stored pull cursor for scope, or "" before the first pull.
func (s *Service) GetCursor(ctx context.Context, scope string) (string, error) {
	var values []StateValue
	if err := s.db.WithContext(ctx).Where("state_key = ?", cursorKeyPrefix+scope).Limit(1).Find(&values).Error; err != nil {
		s.logError(opGetCursor, reasonQueryFailed, err, zap.String("scope", scope))
		return "", newServiceError(opGetCursor, reasonQueryFailed, err)
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[0].Value, nil
}

// SetCursor stores the pull cursor for scope.
func (s *Service) SetCursor(ctx context.Context, scope, cursor string) error {
	value := StateValue{Key: cursorKeyPrefix + scope, Value: cursor, UpdatedAtMs: s.nowMs()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_ms"}),
	}).Create(&value).Error; err != nil {
		s.logError(opSetCursor, reasonWriteFailed, err, zap.String("scope", scope))
		return newServiceError(opSetCursor, reasonWriteFailed, err)
	}
	return nil
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
