package syncmodel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operation enumerates the mutations a change can carry.
type Operation string

const (
	// OperationUpsert inserts or updates an entity.
	OperationUpsert Operation = "UPSERT"
	// OperationDelete removes an entity.
	OperationDelete Operation = "DELETE"
)

// EntityType names the kinds of records replicated between devices.
type EntityType string

const (
	EntityProject  EntityType = "project"
	EntityTask     EntityType = "task"
	EntitySubtask  EntityType = "subtask"
	EntityTemplate EntityType = "template"
	EntitySetting  EntityType = "setting"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidChange indicates that a change is missing identity or routing fields.
	ErrInvalidChange = errors.New("syncmodel: invalid change")
	// ErrInvalidTimestamp indicates that a timestamp could not be parsed.
	ErrInvalidTimestamp = errors.New("syncmodel: invalid timestamp")
)

// Change is a single mutation exchanged between replicas. The same shape is
// used for outgoing pushes and incoming pulls.
type Change struct {
	EntityType      EntityType `json:"entity_type"`
	EntityID        string     `json:"entity_id"`
	Operation       Operation  `json:"operation"`
	UpdatedAt       string     `json:"updated_at"`
	UpdatedByDevice string     `json:"updated_by_device"`
	SyncVersion     int64      `json:"sync_version"`
	Payload         string     `json:"payload"`
	IdempotencyKey  string     `json:"idempotency_key"`
}

// Validate checks the routing fields every change must carry.
func (c Change) Validate() error {
	if strings.TrimSpace(c.EntityID) == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidChange)
	}
	if len(c.EntityID) > maxIdentifierLength {
		return fmt.Errorf("%w: entity id exceeds %d characters", ErrInvalidChange, maxIdentifierLength)
	}
	if strings.TrimSpace(string(c.EntityType)) == "" {
		return fmt.Errorf("%w: empty entity type", ErrInvalidChange)
	}
	if _, err := ParseOperation(string(c.Operation)); err != nil {
		return err
	}
	if strings.TrimSpace(c.IdempotencyKey) == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrInvalidChange)
	}
	if _, err := ParseTimestampMs(c.UpdatedAt); err != nil {
		return err
	}
	return nil
}

// ParseOperation normalizes an operation token.
func ParseOperation(value string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(OperationUpsert):
		return OperationUpsert, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, value)
	}
}

// ParseTimestampMs converts an RFC3339 timestamp or a decimal millisecond
// string into unix milliseconds.
func ParseTimestampMs(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UnixMilli(), nil
	}
	millis, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}
	return millis, nil
}

// FormatTimestamp renders a time the way changes carry it on the wire.
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

// NormalizeDeviceID folds a device identifier for comparisons.
func NormalizeDeviceID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
