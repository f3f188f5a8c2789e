package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/conflict"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

const (
	defaultConflictPageSize = 50
	maxConflictPageSize     = 500

	// MergeSourceField marks merged text that replaces the entity's mergeable field.
	MergeSourceField = "field"
	// MergeSourceJSON marks merged text that is a whole JSON payload.
	MergeSourceJSON = "json"
)

// ConflictFilter selects a page of conflicts. An empty Status lists all.
type ConflictFilter struct {
	Status     ConflictStatus
	EntityType syncmodel.EntityType
	Limit      int
	Offset     int
}

// ConflictPage is one page of conflicts, newest first.
type ConflictPage struct {
	Conflicts []Conflict `json:"conflicts"`
	Total     int64      `json:"total"`
}

// ListConflicts returns conflicts matching filter, newest detection first.
func (s *Service) ListConflicts(ctx context.Context, filter ConflictFilter) (ConflictPage, error) {
	limit := clampLimit(filter.Limit, defaultConflictPageSize, maxConflictPageSize)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&Conflict{})
		if filter.Status != "" {
			query = query.Where("status = ?", string(filter.Status))
		}
		if filter.EntityType != "" {
			query = query.Where("entity_type = ?", string(filter.EntityType))
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		s.logError(opListConflicts, reasonQueryFailed, err)
		return ConflictPage{}, newServiceError(opListConflicts, reasonQueryFailed, err)
	}
	conflicts := make([]Conflict, 0)
	if err := filtered().Order("detected_at_ms DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&conflicts).Error; err != nil {
		s.logError(opListConflicts, reasonQueryFailed, err)
		return ConflictPage{}, newServiceError(opListConflicts, reasonQueryFailed, err)
	}
	return ConflictPage{Conflicts: conflicts, Total: total}, nil
}

// GetConflict returns one conflict by id.
func (s *Service) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	var record Conflict
	err := s.db.WithContext(ctx).Where("id = ?", conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, newServiceError(opGetConflict, reasonNotFound, ErrConflictNotFound)
	}
	if err != nil {
		s.logError(opGetConflict, reasonQueryFailed, err, zap.String("conflict_id", conflictID))
		return Conflict{}, newServiceError(opGetConflict, reasonQueryFailed, err)
	}
	return record, nil
}

// ListConflictEvents returns the audit trail of a conflict, oldest first.
func (s *Service) ListConflictEvents(ctx context.Context, conflictID string) ([]ConflictEvent, error) {
	events := make([]ConflictEvent, 0)
	if err := s.db.WithContext(ctx).
		Where("conflict_id = ?", conflictID).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&events).Error; err != nil {
		s.logError(opListConflictEvents, reasonQueryFailed, err, zap.String("conflict_id", conflictID))
		return nil, newServiceError(opListConflictEvents, reasonQueryFailed, err)
	}
	return events, nil
}

// ResolveRequest settles one open conflict.
type ResolveRequest struct {
	ConflictID string
	Strategy   string
	DeviceID   string
	// MergedText and MergeSource are read for manual_merge only.
	MergedText  string
	MergeSource string
}

type resolutionRejected struct {
	reason string
	err    error
}

func (r *resolutionRejected) Error() string {
	return r.err.Error()
}

// ResolveConflict applies a resolution strategy, queues the resulting row for
// push and closes the conflict. Every attempt is appended to the conflict's
// events, including rejected ones.
func (s *Service) ResolveConflict(ctx context.Context, request ResolveRequest) (Conflict, error) {
	existing, err := s.GetConflict(ctx, request.ConflictID)
	if err != nil {
		return Conflict{}, err
	}

	unlock := s.lockEntity(syncmodel.EntityType(existing.EntityType), existing.EntityID)
	defer unlock()

	var resolved Conflict
	txErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var record Conflict
		if err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", request.ConflictID).Take(&record).Error; err != nil {
			s.logError(opResolveConflict, reasonQueryFailed, err, zap.String("conflict_id", request.ConflictID))
			return newServiceError(opResolveConflict, reasonQueryFailed, err)
		}
		if record.Status == ConflictResolved {
			return &resolutionRejected{reason: reasonAlreadyResolved, err: ErrConflictAlreadyResolved}
		}
		strategy, err := ParseStrategy(strings.TrimSpace(request.Strategy))
		if err != nil {
			return &resolutionRejected{reason: reasonInvalidStrategy, err: err}
		}

		local, err := findEntity(transaction, syncmodel.EntityType(record.EntityType), record.EntityID)
		if err != nil {
			s.logError(opResolveConflict, reasonQueryFailed, err, zap.String("conflict_id", record.ID))
			return newServiceError(opResolveConflict, reasonQueryFailed, err)
		}
		next, resolutionPayload, err := s.resolvedEntity(record, local, strategy, request)
		if err != nil {
			return err
		}
		if next != nil {
			if err := transaction.Save(next).Error; err != nil {
				s.logError(opResolveConflict, reasonWriteFailed, err, zap.String("conflict_id", record.ID))
				return newServiceError(opResolveConflict, reasonWriteFailed, err)
			}
			changeKey, err := s.newID(opResolveConflict)
			if err != nil {
				return err
			}
			if err := s.enqueue(transaction, opResolveConflict, changeFromEntity(*next, changeKey)); err != nil {
				return err
			}
		}

		now := s.nowMs()
		strategyValue := string(strategy)
		device := strings.TrimSpace(request.DeviceID)
		record.Status = ConflictResolved
		record.ResolutionStrategy = &strategyValue
		record.ResolutionPayloadJSON = resolutionPayload
		record.ResolvedByDevice = &device
		record.ResolvedAtMs = &now
		record.UpdatedAtMs = now
		if err := transaction.Save(&record).Error; err != nil {
			s.logError(opResolveConflict, reasonWriteFailed, err, zap.String("conflict_id", record.ID))
			return newServiceError(opResolveConflict, reasonWriteFailed, err)
		}
		payload := eventPayload(map[string]interface{}{"strategy": strategyValue, "resolved_by_device": device})
		if err := s.appendEvent(transaction, opResolveConflict, record.ID, EventResolved, payload); err != nil {
			return err
		}
		resolved = record
		return nil
	})

	var rejected *resolutionRejected
	if errors.As(txErr, &rejected) {
		payload := eventPayload(map[string]interface{}{"strategy": request.Strategy, "reason": rejected.reason})
		if err := s.appendEvent(s.db.WithContext(ctx), opResolveConflict, request.ConflictID, EventResolutionRejected, payload); err != nil {
			return Conflict{}, err
		}
		return Conflict{}, newServiceError(opResolveConflict, rejected.reason, rejected.err)
	}
	if txErr != nil {
		return Conflict{}, txErr
	}
	return resolved, nil
}

// resolvedEntity computes the row a strategy produces. A nil row means the
// strategy leaves nothing to write.
func (s *Service) resolvedEntity(record Conflict, local *Entity, strategy ResolutionStrategy, request ResolveRequest) (*Entity, *string, error) {
	now := s.clock().UTC()
	base := Entity{
		EntityType:      record.EntityType,
		EntityID:        record.EntityID,
		UpdatedAt:       syncmodel.FormatTimestamp(now),
		UpdatedAtMs:     now.UnixMilli(),
		UpdatedByDevice: strings.TrimSpace(request.DeviceID),
		SyncVersion:     1,
	}
	if local != nil {
		base.SyncVersion = local.SyncVersion + 1
	}

	switch strategy {
	case StrategyKeepLocal:
		if local == nil {
			return nil, nil, nil
		}
		base.PayloadJSON = local.PayloadJSON
		base.IsDeleted = local.IsDeleted
		return &base, nil, nil
	case StrategyKeepRemote:
		base.PayloadJSON = record.RemotePayloadJSON
		if record.Operation == string(syncmodel.OperationDelete) {
			base.IsDeleted = true
			if local != nil {
				base.PayloadJSON = local.PayloadJSON
			}
		}
		return &base, nil, nil
	default:
		payload, err := mergedPayload(record, request)
		if err != nil {
			return nil, nil, &resolutionRejected{reason: reasonInvalidMerge, err: err}
		}
		base.PayloadJSON = payload
		resolution := eventPayload(map[string]interface{}{
			"merged_text":   strings.TrimSpace(request.MergedText),
			"conflict_type": record.ConflictType,
			"source":        mergeSource(request.MergeSource),
		})
		return &base, &resolution, nil
	}
}

func mergedPayload(record Conflict, request ResolveRequest) (string, error) {
	mergedText := strings.TrimSpace(request.MergedText)
	if mergeSource(request.MergeSource) == MergeSourceJSON {
		if !gjson.Valid(mergedText) || !gjson.Parse(mergedText).IsObject() {
			return "", ErrInvalidMergePayload
		}
		return mergedText, nil
	}
	field := conflict.MergeField(syncmodel.EntityType(record.EntityType))
	if field == "" {
		return "", ErrInvalidMergePayload
	}
	base := record.LocalPayloadJSON
	if !gjson.Parse(base).IsObject() {
		base = record.RemotePayloadJSON
	}
	if !gjson.Parse(base).IsObject() {
		base = "{}"
	}
	merged, err := sjson.Set(base, field, mergedText)
	if err != nil {
		return "", errors.Join(ErrInvalidMergePayload, err)
	}
	return merged, nil
}

func mergeSource(value string) string {
	if strings.TrimSpace(value) == MergeSourceJSON {
		return MergeSourceJSON
	}
	return MergeSourceField
}

func changeFromEntity(entity Entity, idempotencyKey string) syncmodel.Change {
	operation := syncmodel.OperationUpsert
	if entity.IsDeleted {
		operation = syncmodel.OperationDelete
	}
	return syncmodel.Change{
		EntityType:      syncmodel.EntityType(entity.EntityType),
		EntityID:        entity.EntityID,
		Operation:       operation,
		UpdatedAt:       entity.UpdatedAt,
		UpdatedByDevice: entity.UpdatedByDevice,
		SyncVersion:     entity.SyncVersion,
		Payload:         entity.PayloadJSON,
		IdempotencyKey:  idempotencyKey,
	}
}

func (s *Service) appendEvent(db *gorm.DB, operation, conflictID, eventType, payload string) error {
	eventID, err := s.newID(operation)
	if err != nil {
		return err
	}
	event := ConflictEvent{
		ID:          eventID,
		ConflictID:  conflictID,
		EventType:   eventType,
		PayloadJSON: payload,
		CreatedAtMs: s.nowMs(),
	}
	if err := db.Create(&event).Error; err != nil {
		s.logError(operation, reasonWriteFailed, err, zap.String("conflict_id", conflictID))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

func eventPayload(fields map[string]interface{}) string {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
