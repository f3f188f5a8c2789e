package store

import (
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

// Outcome is the result of applying one incoming change.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeNoOp     Outcome = "no_op"
)

// ConflictStatus tracks whether a conflict still needs a decision.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ResolutionStrategy is how a person settled a conflict.
type ResolutionStrategy string

const (
	StrategyKeepLocal   ResolutionStrategy = "keep_local"
	StrategyKeepRemote  ResolutionStrategy = "keep_remote"
	StrategyManualMerge ResolutionStrategy = "manual_merge"
)

// ParseStrategy validates a strategy token.
func ParseStrategy(value string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(value) {
	case StrategyKeepLocal, StrategyKeepRemote, StrategyManualMerge:
		return ResolutionStrategy(value), nil
	default:
		return "", ErrInvalidStrategy
	}
}

// Conflict event types.
const (
	EventDetected           = "detected"
	EventResolved           = "resolved"
	EventResolutionRejected = "resolution_rejected"
)

// Outbox entry states.
const (
	OutboxPending  = "pending"
	OutboxPushed   = "pushed"
	OutboxRejected = "rejected"
)

// nullPayload is recorded as the local side of a conflict when no local row exists.
const nullPayload = "null"

// Entity is the authoritative local row of any replicated entity.
type Entity struct {
	EntityType      string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAt       string `gorm:"column:updated_at;size:64;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null;index:idx_entities_updated"`
	UpdatedByDevice string `gorm:"column:updated_by_device;size:190;not null;default:''"`
	SyncVersion     int64  `gorm:"column:sync_version;not null;default:0"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "sync_entities"
}

// AppliedChange remembers idempotency keys that were applied or discarded as stale.
type AppliedChange struct {
	IdempotencyKey string `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	EntityType     string `gorm:"column:entity_type;size:32;not null"`
	EntityID       string `gorm:"column:entity_id;size:190;not null"`
	Outcome        string `gorm:"column:outcome;size:16;not null"`
	AppliedAtMs    int64  `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedChange) TableName() string {
	return "sync_applied_changes"
}

// OutboxEntry is a local change waiting to be pushed.
type OutboxEntry struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	IdempotencyKey  string `gorm:"column:idempotency_key;size:190;not null;uniqueIndex"`
	EntityType      string `gorm:"column:entity_type;size:32;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null"`
	Operation       string `gorm:"column:operation;size:16;not null"`
	UpdatedAt       string `gorm:"column:updated_at;size:64;not null"`
	UpdatedByDevice string `gorm:"column:updated_by_device;size:190;not null"`
	SyncVersion     int64  `gorm:"column:sync_version;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	Status          string `gorm:"column:status;size:16;not null;index:idx_outbox_status,priority:1"`
	RejectReason    string `gorm:"column:reject_reason;size:190;not null;default:''"`
	CreatedAtMs     int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs     int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEntry) TableName() string {
	return "sync_outbox"
}

// Change converts the entry back into its wire shape.
func (e OutboxEntry) Change() syncmodel.Change {
	return syncmodel.Change{
		EntityType:      syncmodel.EntityType(e.EntityType),
		EntityID:        e.EntityID,
		Operation:       syncmodel.Operation(e.Operation),
		UpdatedAt:       e.UpdatedAt,
		UpdatedByDevice: e.UpdatedByDevice,
		SyncVersion:     e.SyncVersion,
		Payload:         e.PayloadJSON,
		IdempotencyKey:  e.IdempotencyKey,
	}
}

// Conflict is a persisted collision between a local row and an incoming change.
type Conflict struct {
	ID                     string         `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	IncomingIdempotencyKey string         `gorm:"column:incoming_idempotency_key;size:190;not null;uniqueIndex" json:"incoming_idempotency_key"`
	EntityType             string         `gorm:"column:entity_type;size:32;not null" json:"entity_type"`
	EntityID               string         `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity" json:"entity_id"`
	Operation              string         `gorm:"column:operation;size:16;not null" json:"operation"`
	ConflictType           string         `gorm:"column:conflict_type;size:32;not null" json:"conflict_type"`
	ReasonCode             string         `gorm:"column:reason_code;size:64;not null" json:"reason_code"`
	Message                string         `gorm:"column:message;type:text;not null" json:"message"`
	LocalPayloadJSON       string         `gorm:"column:local_payload_json;type:text;not null" json:"local_payload_json"`
	RemotePayloadJSON      string         `gorm:"column:remote_payload_json;type:text;not null" json:"remote_payload_json"`
	BasePayloadJSON        *string        `gorm:"column:base_payload_json;type:text" json:"base_payload_json"`
	Status                 ConflictStatus `gorm:"column:status;size:16;not null;index:idx_conflicts_status,priority:1" json:"status"`
	ResolutionStrategy     *string        `gorm:"column:resolution_strategy;size:32" json:"resolution_strategy"`
	ResolutionPayloadJSON  *string        `gorm:"column:resolution_payload_json;type:text" json:"resolution_payload_json"`
	ResolvedByDevice       *string        `gorm:"column:resolved_by_device;size:190" json:"resolved_by_device"`
	RemoteUpdatedAt        string         `gorm:"column:remote_updated_at;size:64;not null;default:''" json:"remote_updated_at"`
	RemoteUpdatedByDevice  string         `gorm:"column:remote_updated_by_device;size:190;not null;default:''" json:"remote_updated_by_device"`
	DetectedAtMs           int64          `gorm:"column:detected_at_ms;not null;index:idx_conflicts_status,priority:2" json:"detected_at_ms"`
	ResolvedAtMs           *int64         `gorm:"column:resolved_at_ms" json:"resolved_at_ms"`
	CreatedAtMs            int64          `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
	UpdatedAtMs            int64          `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// ConflictEvent is an append-only audit entry for a conflict.
type ConflictEvent struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ConflictID  string `gorm:"column:conflict_id;size:64;not null;index:idx_conflict_events_conflict,priority:1" json:"conflict_id"`
	EventType   string `gorm:"column:event_type;size:32;not null" json:"event_type"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null" json:"payload_json"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_conflict_events_conflict,priority:2" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictEvent) TableName() string {
	return "sync_conflict_events"
}

// StateValue stores small named values such as pull cursors.
type StateValue struct {
	Key         string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value       string `gorm:"column:value;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StateValue) TableName() string {
	return "sync_state"
}

// Models lists every table the store owns, for migrations.
func Models() []interface{} {
	return []interface{}{&Entity{}, &AppliedChange{}, &OutboxEntry{}, &Conflict{}, &ConflictEvent{}, &StateValue{}}
}
