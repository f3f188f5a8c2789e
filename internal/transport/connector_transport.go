package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

const (
	changesPrefix       = "changes"
	defaultPullLimit    = 200
	rejectInvalidChange = "INVALID_CHANGE"
)

var errMissingConnector = errors.New("transport: connector is required")

// ConnectorConfig configures a connector-backed transport.
type ConnectorConfig struct {
	Connector connector.Connector
	TimeoutMs int64
	Clock     func() time.Time
	Logger    *zap.Logger
}

// ConnectorTransport lays changes out as objects named
// changes/<13-digit push ms>-<idempotency key>.json. Object keys sort in push
// order, so the pull cursor is simply the last key consumed.
type ConnectorTransport struct {
	connector connector.Connector
	timeoutMs int64
	clock     func() time.Time
	logger    *zap.Logger
}

func NewConnectorTransport(cfg ConnectorConfig) (*ConnectorTransport, error) {
	if cfg.Connector == nil {
		return nil, errMissingConnector
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ConnectorTransport{connector: cfg.Connector, timeoutMs: cfg.TimeoutMs, clock: clock, logger: logger}, nil
}

// Push writes one object per change. A provider failure aborts the push so
// the remaining changes stay pending; objects already written are harmless
// duplicates on the next attempt because apply is idempotent.
func (t *ConnectorTransport) Push(ctx context.Context, request PushRequest) (PushResult, error) {
	now := t.clock().UTC()
	result := PushResult{Accepted: []string{}, Rejected: []Rejection{}, ServerTime: syncmodel.FormatTimestamp(now)}
	for _, change := range request.Changes {
		if err := change.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{IdempotencyKey: change.IdempotencyKey, Reason: rejectInvalidChange})
			continue
		}
		content, err := json.Marshal(change)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{IdempotencyKey: change.IdempotencyKey, Reason: rejectInvalidChange})
			continue
		}
		_, err = t.connector.Write(ctx, connector.WriteRequest{
			Key:         ChangeObjectKey(now, change.IdempotencyKey),
			Content:     content,
			ContentType: "application/json",
			TimeoutMs:   t.timeoutMs,
		})
		if err != nil {
			return PushResult{}, err
		}
		result.Accepted = append(result.Accepted, change.IdempotencyKey)
	}
	return result, nil
}

// Pull reads up to Limit changes with keys after Cursor. Changes authored by
// the pulling device are skipped but still advance the cursor.
func (t *ConnectorTransport) Pull(ctx context.Context, request PullRequest) (PullResult, error) {
	limit := request.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	keys, err := t.pendingKeys(ctx, request.Cursor)
	if err != nil {
		return PullResult{}, err
	}

	deviceID := syncmodel.NormalizeDeviceID(request.DeviceID)
	result := PullResult{
		ServerCursor: request.Cursor,
		ServerTime:   syncmodel.FormatTimestamp(t.clock()),
		Changes:      []syncmodel.Change{},
	}
	consumed := 0
	for _, key := range keys {
		if len(result.Changes) >= limit {
			break
		}
		consumed++
		result.ServerCursor = key

		read, readErr := t.connector.Read(ctx, connector.ReadRequest{Key: key, TimeoutMs: t.timeoutMs})
		if readErr != nil {
			if isMissingObject(readErr) {
				continue
			}
			return PullResult{}, readErr
		}
		var change syncmodel.Change
		if decodeErr := json.Unmarshal(read.Content, &change); decodeErr != nil {
			t.logger.Warn("skipping undecodable change object",
				zap.String("operation", "transport.connector.pull"),
				zap.String("key", key),
				zap.Error(decodeErr))
			continue
		}
		if deviceID != "" && syncmodel.NormalizeDeviceID(change.UpdatedByDevice) == deviceID {
			continue
		}
		result.Changes = append(result.Changes, change)
	}
	result.HasMore = consumed < len(keys)
	return result, nil
}

func (t *ConnectorTransport) pendingKeys(ctx context.Context, cursor string) ([]string, error) {
	pageSize := connector.CapabilitiesFor(t.connector.Provider()).MaxPageSize
	var keys []string
	pageCursor := ""
	for {
		page, err := t.connector.List(ctx, connector.ListRequest{
			Prefix:     changesPrefix,
			Cursor:     pageCursor,
			Limit:      pageSize,
			StartAfter: cursor,
			TimeoutMs:  t.timeoutMs,
		})
		if err != nil {
			return nil, err
		}
		for _, file := range page.Files {
			if strings.HasSuffix(file.Key, ".json") && file.Key > cursor {
				keys = append(keys, file.Key)
			}
		}
		if page.NextCursor == "" || page.NextCursor == pageCursor {
			break
		}
		pageCursor = page.NextCursor
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangeObjectKey names the object a change is pushed to.
func ChangeObjectKey(pushedAt time.Time, idempotencyKey string) string {
	return fmt.Sprintf("%s/%013d-%s.json", changesPrefix, pushedAt.UnixMilli(), sanitizeKey(idempotencyKey))
}

func sanitizeKey(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, value)
}

func isMissingObject(err error) bool {
	connectorErr, ok := connector.AsError(err)
	return ok && connectorErr.Code == connector.CodeNotFound
}

var _ Transport = (*ConnectorTransport)(nil)
