// Package relay is the server side of the generic HTTP sync endpoint: an
// append-only change log that devices push to and pull from by sequence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

const (
	// RejectInvalidChange is the reason reported for changes that fail validation.
	RejectInvalidChange = "INVALID_CHANGE"

	defaultPullLimit = 200
	maxPullLimit     = 500
)

var (
	errMissingDatabase = errors.New("relay: database handle is required")
	// ErrInvalidCursor indicates a pull cursor that is not a sequence number.
	ErrInvalidCursor = errors.New("relay: invalid cursor")
	noOpLogger       = zap.NewNop()
)

// Change is one accepted change in the relay log.
type Change struct {
	Sequence        int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	IdempotencyKey  string `gorm:"column:idempotency_key;size:190;not null;uniqueIndex"`
	EntityType      string `gorm:"column:entity_type;size:32;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null"`
	Operation       string `gorm:"column:operation;size:16;not null"`
	UpdatedAt       string `gorm:"column:updated_at;size:64;not null"`
	UpdatedByDevice string `gorm:"column:updated_by_device;size:190;not null"`
	AuthorDevice    string `gorm:"column:author_device;size:190;not null;index:idx_relay_author"`
	SyncVersion     int64  `gorm:"column:sync_version;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	ReceivedAtMs    int64  `gorm:"column:received_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "relay_changes"
}

func (c Change) wire() syncmodel.Change {
	return syncmodel.Change{
		EntityType:      syncmodel.EntityType(c.EntityType),
		EntityID:        c.EntityID,
		Operation:       syncmodel.Operation(c.Operation),
		UpdatedAt:       c.UpdatedAt,
		UpdatedByDevice: c.UpdatedByDevice,
		SyncVersion:     c.SyncVersion,
		Payload:         c.PayloadJSON,
		IdempotencyKey:  c.IdempotencyKey,
	}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service appends pushed changes and serves pulls.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Push appends every valid change. Replayed idempotency keys are accepted
// again without a second log entry. Changes are attributed to the pushing
// device; the change's own UpdatedByDevice is used only when the request names
// no device.
func (s *Service) Push(ctx context.Context, request transport.PushRequest) (transport.PushResult, error) {
	now := s.clock().UTC()
	pusher := syncmodel.NormalizeDeviceID(request.DeviceID)
	result := transport.PushResult{
		Accepted:   make([]string, 0, len(request.Changes)),
		Rejected:   make([]transport.Rejection, 0),
		ServerTime: syncmodel.FormatTimestamp(now),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, change := range request.Changes {
			if operation, err := syncmodel.ParseOperation(string(change.Operation)); err == nil {
				change.Operation = operation
			}
			if err := change.Validate(); err != nil {
				result.Rejected = append(result.Rejected, transport.Rejection{IdempotencyKey: change.IdempotencyKey, Reason: RejectInvalidChange})
				continue
			}
			author := pusher
			if author == "" {
				author = syncmodel.NormalizeDeviceID(change.UpdatedByDevice)
			}
			record := Change{
				IdempotencyKey:  change.IdempotencyKey,
				EntityType:      string(change.EntityType),
				EntityID:        change.EntityID,
				Operation:       string(change.Operation),
				UpdatedAt:       change.UpdatedAt,
				UpdatedByDevice: change.UpdatedByDevice,
				AuthorDevice:    author,
				SyncVersion:     change.SyncVersion,
				PayloadJSON:     change.Payload,
				ReceivedAtMs:    now.UnixMilli(),
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
				return fmt.Errorf("relay: append %s: %w", change.IdempotencyKey, err)
			}
			result.Accepted = append(result.Accepted, change.IdempotencyKey)
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("relay push failed", zap.String("device_id", request.DeviceID), zap.Error(txErr))
		return transport.PushResult{}, txErr
	}
	cursor, err := s.latestSequence(ctx)
	if err != nil {
		return transport.PushResult{}, err
	}
	result.ServerCursor = strconv.FormatInt(cursor, 10)
	return result, nil
}

// Pull returns changes after cursor that were not authored by the pulling
// device, oldest first.
func (s *Service) Pull(ctx context.Context, request transport.PullRequest) (transport.PullResult, error) {
	after, err := ParseCursor(request.Cursor)
	if err != nil {
		return transport.PullResult{}, err
	}
	limit := request.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	var records []Change
	if err := s.db.WithContext(ctx).
		Where("sequence > ? AND author_device <> ?", after, syncmodel.NormalizeDeviceID(request.DeviceID)).
		Order("sequence ASC").
		Limit(limit + 1).
		Find(&records).Error; err != nil {
		s.logger.Error("relay pull failed", zap.String("device_id", request.DeviceID), zap.Error(err))
		return transport.PullResult{}, fmt.Errorf("relay: pull: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	changes := make([]syncmodel.Change, 0, len(records))
	cursor := after
	for _, record := range records {
		changes = append(changes, record.wire())
		cursor = record.Sequence
	}
	return transport.PullResult{
		ServerCursor: strconv.FormatInt(cursor, 10),
		ServerTime:   syncmodel.FormatTimestamp(s.clock()),
		Changes:      changes,
		HasMore:      hasMore,
	}, nil
}

// ParseCursor reads a sequence cursor. An empty cursor starts from the beginning.
func ParseCursor(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	sequence, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || sequence < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, value)
	}
	return sequence, nil
}

func (s *Service) latestSequence(ctx context.Context) (int64, error) {
	var latest int64
	if err := s.db.WithContext(ctx).Model(&Change{}).Select("COALESCE(MAX(sequence), 0)").Scan(&latest).Error; err != nil {
		return 0, fmt.Errorf("relay: latest sequence: %w", err)
	}
	return latest, nil
}
