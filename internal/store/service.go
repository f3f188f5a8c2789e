// Package store is the local replica: authoritative entity rows, the push
// outbox, idempotency bookkeeping, pull cursors and the durable conflict log.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrConflictNotFound indicates that no conflict has the requested id.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrConflictAlreadyResolved indicates a second resolution attempt.
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	// ErrInvalidStrategy indicates an unknown resolution strategy.
	ErrInvalidStrategy = errors.New("invalid resolution strategy")
	// ErrInvalidMergePayload indicates merged text that cannot become a payload.
	ErrInvalidMergePayload = errors.New("merged text is not a valid payload")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "store.service.new"
	opApplyIncomingChange = "store.apply_incoming_change"
	opApplyLocalChange    = "store.apply_local_change"
	opEnqueueChange       = "store.enqueue_change"
	opListPending         = "store.list_pending_changes"
	opMarkPushResult      = "store.mark_push_result"
	opGetCursor           = "store.get_cursor"
	opSetCursor           = "store.set_cursor"
	opGetEntity           = "store.get_entity"
	opListConflicts       = "store.list_conflicts"
	opGetConflict         = "store.get_conflict"
	opListConflictEvents  = "store.list_conflict_events"
	opResolveConflict     = "store.resolve_conflict"

	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidChange      = "invalid_change"
	reasonQueryFailed        = "query_failed"
	reasonWriteFailed        = "write_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonEvaluateFailed     = "evaluate_failed"
	reasonNotFound           = "not_found"
	reasonAlreadyResolved    = "already_resolved"
	reasonInvalidStrategy    = "invalid_strategy"
	reasonInvalidMerge       = "invalid_merge"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

const entityLockStripes = 64

// Service owns every read and write against the local replica.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	entityLocks [entityLockStripes]sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// lockEntity serializes work on one (entity_type, entity_id) pair.
func (s *Service) lockEntity(entityType syncmodel.EntityType, entityID string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(entityType))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(entityID))
	stripe := &s.entityLocks[hasher.Sum32()%entityLockStripes]
	stripe.Lock()
	return stripe.Unlock
}

func (s *Service) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGenerationFailed, err)
		return "", newServiceError(operation, reasonIDGenerationFailed, err)
	}
	return id, nil
}

// GetEntity returns the local row for an entity, or nil when none exists.
// Tombstoned rows are returned with IsDeleted set.
func (s *Service) GetEntity(ctx context.Context, entityType syncmodel.EntityType, entityID string) (*Entity, error) {
	entity, err := findEntity(s.db.WithContext(ctx), entityType, entityID)
	if err != nil {
		s.logError(opGetEntity, reasonQueryFailed, err,
			zap.String("entity_type", string(entityType)),
			zap.String("entity_id", entityID))
		return nil, newServiceError(opGetEntity, reasonQueryFailed, err)
	}
	return entity, nil
}

func findEntity(db *gorm.DB, entityType syncmodel.EntityType, entityID string) (*Entity, error) {
	var entity Entity
	err := db.Where("entity_type = ? AND entity_id = ?", string(entityType), entityID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
