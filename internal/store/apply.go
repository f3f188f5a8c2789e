package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/conflict"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

// ApplyResult reports what happened to one incoming change.
type ApplyResult struct {
	Outcome    Outcome
	ConflictID string
}

// ApplyIncomingChange applies a pulled change to the local replica. Replayed
// idempotency keys and changes older than the local row are no-ops; changes
// that fail detection are recorded as open conflicts and leave the row alone.
// Invalid changes are logged and skipped as no-ops.
func (s *Service) ApplyIncomingChange(ctx context.Context, change syncmodel.Change) (ApplyResult, error) {
	if s == nil || s.db == nil {
		s.logError(opApplyIncomingChange, reasonMissingDatabase, errMissingDatabase)
		return ApplyResult{}, newServiceError(opApplyIncomingChange, reasonMissingDatabase, errMissingDatabase)
	}
	if operation, err := syncmodel.ParseOperation(string(change.Operation)); err == nil {
		change.Operation = operation
	}
	if err := change.Validate(); err != nil {
		s.loggerOrDefault().Warn("skipping invalid incoming change",
			zap.String("entity_type", string(change.EntityType)),
			zap.String("entity_id", change.EntityID),
			zap.String("idempotency_key", change.IdempotencyKey),
			zap.Error(err))
		return ApplyResult{Outcome: OutcomeNoOp}, nil
	}
	incomingMs, _ := syncmodel.ParseTimestampMs(change.UpdatedAt)

	unlock := s.lockEntity(change.EntityType, change.EntityID)
	defer unlock()

	var result ApplyResult
	txErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		seen, err := idempotencyKeySeen(transaction, change.IdempotencyKey)
		if err != nil {
			return s.applyFailure(reasonQueryFailed, err, change)
		}
		if seen {
			result = ApplyResult{Outcome: OutcomeNoOp}
			return nil
		}

		local, err := findEntity(transaction.Clauses(clause.Locking{Strength: "UPDATE"}), change.EntityType, change.EntityID)
		if err != nil {
			return s.applyFailure(reasonQueryFailed, err, change)
		}

		var localSide *conflict.Side
		if local != nil && !local.IsDeleted {
			localSide = &conflict.Side{Payload: local.PayloadJSON, UpdatedAt: local.UpdatedAt, UpdatedByDevice: local.UpdatedByDevice}
		}
		decision, err := conflict.Evaluate(change, localSide, entityExists(transaction))
		if err != nil {
			return s.applyFailure(reasonEvaluateFailed, err, change)
		}
		if decision != nil {
			conflictID, err := s.recordConflict(transaction, change, local, *decision)
			if err != nil {
				return err
			}
			result = ApplyResult{Outcome: OutcomeConflict, ConflictID: conflictID}
			return nil
		}

		if local != nil && incomingMs < local.UpdatedAtMs {
			if err := s.rememberKey(transaction, change, OutcomeNoOp); err != nil {
				return err
			}
			result = ApplyResult{Outcome: OutcomeNoOp}
			return nil
		}

		next := entityFromChange(change, incomingMs, local)
		if err := transaction.Save(&next).Error; err != nil {
			return s.applyFailure(reasonWriteFailed, err, change)
		}
		if err := s.rememberKey(transaction, change, OutcomeApplied); err != nil {
			return err
		}
		result = ApplyResult{Outcome: OutcomeApplied}
		return nil
	})
	if txErr != nil {
		return ApplyResult{}, txErr
	}
	return result, nil
}

func (s *Service) applyFailure(reason string, err error, change syncmodel.Change) error {
	s.logError(opApplyIncomingChange, reason, err,
		zap.String("entity_type", string(change.EntityType)),
		zap.String("entity_id", change.EntityID),
		zap.String("idempotency_key", change.IdempotencyKey))
	return newServiceError(opApplyIncomingChange, reason, err)
}

func idempotencyKeySeen(transaction *gorm.DB, key string) (bool, error) {
	var applied int64
	if err := transaction.Model(&AppliedChange{}).Where("idempotency_key = ?", key).Count(&applied).Error; err != nil {
		return false, err
	}
	if applied > 0 {
		return true, nil
	}
	var conflicts int64
	if err := transaction.Model(&Conflict{}).Where("incoming_idempotency_key = ?", key).Count(&conflicts).Error; err != nil {
		return false, err
	}
	return conflicts > 0, nil
}

func entityExists(transaction *gorm.DB) conflict.ExistsFunc {
	return func(entityType syncmodel.EntityType, entityID string) (bool, error) {
		var count int64
		err := transaction.Model(&Entity{}).
			Where("entity_type = ? AND entity_id = ? AND is_deleted = ?", string(entityType), entityID, false).
			Count(&count).Error
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}
}

// entityFromChange builds the next row. Deletes keep the last payload as a
// tombstone so later references and resolutions still see it.
func entityFromChange(change syncmodel.Change, updatedAtMs int64, local *Entity) Entity {
	next := Entity{
		EntityType:      string(change.EntityType),
		EntityID:        change.EntityID,
		PayloadJSON:     change.Payload,
		UpdatedAt:       change.UpdatedAt,
		UpdatedAtMs:     updatedAtMs,
		UpdatedByDevice: change.UpdatedByDevice,
		SyncVersion:     change.SyncVersion,
	}
	if change.Operation == syncmodel.OperationDelete {
		next.IsDeleted = true
		if local != nil {
			next.PayloadJSON = local.PayloadJSON
		}
		if next.PayloadJSON == "" {
			next.PayloadJSON = nullPayload
		}
	}
	return next
}

func (s *Service) rememberKey(transaction *gorm.DB, change syncmodel.Change, outcome Outcome) error {
	record := AppliedChange{
		IdempotencyKey: change.IdempotencyKey,
		EntityType:     string(change.EntityType),
		EntityID:       change.EntityID,
		Outcome:        string(outcome),
		AppliedAtMs:    s.nowMs(),
	}
	if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return s.applyFailure(reasonWriteFailed, err, change)
	}
	return nil
}

func (s *Service) recordConflict(transaction *gorm.DB, change syncmodel.Change, local *Entity, decision conflict.Decision) (string, error) {
	conflictID, err := s.newID(opApplyIncomingChange)
	if err != nil {
		return "", err
	}
	localPayload := nullPayload
	if local != nil && !local.IsDeleted {
		localPayload = local.PayloadJSON
	}
	remotePayload := change.Payload
	if remotePayload == "" {
		remotePayload = nullPayload
	}
	now := s.nowMs()
	record := Conflict{
		ID:                     conflictID,
		IncomingIdempotencyKey: change.IdempotencyKey,
		EntityType:             string(change.EntityType),
		EntityID:               change.EntityID,
		Operation:              string(change.Operation),
		ConflictType:           string(decision.Type),
		ReasonCode:             decision.ReasonCode,
		Message:                decision.Message,
		LocalPayloadJSON:       localPayload,
		RemotePayloadJSON:      remotePayload,
		Status:                 ConflictOpen,
		RemoteUpdatedAt:        change.UpdatedAt,
		RemoteUpdatedByDevice:  change.UpdatedByDevice,
		DetectedAtMs:           now,
		CreatedAtMs:            now,
		UpdatedAtMs:            now,
	}
	created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if created.Error != nil {
		return "", s.applyFailure(reasonWriteFailed, created.Error, change)
	}
	if created.RowsAffected == 0 {
		var existing Conflict
		err := transaction.Where("incoming_idempotency_key = ?", change.IdempotencyKey).Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", s.applyFailure(reasonQueryFailed, err, change)
		}
		return existing.ID, nil
	}
	payload := eventPayload(map[string]interface{}{
		"conflict_type": record.ConflictType,
		"reason_code":   record.ReasonCode,
		"field":         decision.Field,
	})
	if err := s.appendEvent(transaction, opApplyIncomingChange, conflictID, EventDetected, payload); err != nil {
		return "", err
	}
	s.loggerOrDefault().Info("sync conflict recorded",
		zap.String("conflict_id", conflictID),
		zap.String("conflict_type", record.ConflictType),
		zap.String("reason_code", record.ReasonCode),
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID))
	return conflictID, nil
}
