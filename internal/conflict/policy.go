// Package conflict holds the pure predicates that decide whether an incoming
// change can be applied or must be recorded as a conflict.
package conflict

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeValidation        Type = "validation"
	TypeMissingDependency Type = "missing_dependency"
	TypeFieldCollision    Type = "field_collision"
)

const (
	ReasonUnsupportedEntity = "UNSUPPORTED_ENTITY_TYPE"
	ReasonInvalidPayload    = "INVALID_PAYLOAD"
	ReasonFieldCollision    = "FIELD_COLLISION"
)

// RequiredField is a payload field that must be a non-blank string.
type RequiredField struct {
	Path    string
	Reason  string
	Message string
}

// Reference is a payload field holding the id of another entity. Empty
// references are allowed; non-empty ones must resolve locally.
type Reference struct {
	Path    string
	Target  syncmodel.EntityType
	Reason  string
	Message string
}

// EntityRules are the detection rules for one entity type.
type EntityRules struct {
	Required   []RequiredField
	References []Reference
	Collidable []string
	MergeField string
}

var rulesByEntity = map[syncmodel.EntityType]EntityRules{
	syncmodel.EntityProject: {
		Required:   []RequiredField{{Path: "name", Reason: "MISSING_PROJECT_NAME", Message: "Project name is required."}},
		Collidable: []string{"name", "description"},
		MergeField: "description",
	},
	syncmodel.EntityTask: {
		Required:   []RequiredField{{Path: "title", Reason: "MISSING_TASK_TITLE", Message: "Task title is required."}},
		References: []Reference{{Path: "project_id", Target: syncmodel.EntityProject, Reason: "PROJECT_NOT_FOUND", Message: "Task references a project that does not exist on this device."}},
		Collidable: []string{"title", "notes"},
		MergeField: "notes",
	},
	syncmodel.EntitySubtask: {
		Required: []RequiredField{
			{Path: "title", Reason: "MISSING_SUBTASK_TITLE", Message: "Subtask title is required."},
			{Path: "task_id", Reason: "MISSING_TASK_ID", Message: "Subtask must belong to a task."},
		},
		References: []Reference{{Path: "task_id", Target: syncmodel.EntityTask, Reason: "TASK_NOT_FOUND", Message: "Subtask references a task that does not exist on this device."}},
		Collidable: []string{"title"},
		MergeField: "title",
	},
	syncmodel.EntityTemplate: {
		Required:   []RequiredField{{Path: "name", Reason: "MISSING_TEMPLATE_NAME", Message: "Template name is required."}},
		References: []Reference{{Path: "project_id", Target: syncmodel.EntityProject, Reason: "PROJECT_NOT_FOUND", Message: "Template references a project that does not exist on this device."}},
		Collidable: []string{"name", "notes"},
		MergeField: "notes",
	},
	syncmodel.EntitySetting: {
		Collidable: []string{"value"},
		MergeField: "value",
	},
}

// RulesFor returns the rules of a supported entity type.
func RulesFor(entityType syncmodel.EntityType) (EntityRules, bool) {
	rules, ok := rulesByEntity[entityType]
	return rules, ok
}

// MergeField names the preferred mergeable text field of an entity type, or
// "" when the type has none.
func MergeField(entityType syncmodel.EntityType) string {
	return rulesByEntity[entityType].MergeField
}

// MissingRequiredField returns the first required field that is absent or
// blank in payload.
func MissingRequiredField(rules EntityRules, payload string) (RequiredField, bool) {
	for _, field := range rules.Required {
		if trimmedValue(payload, field.Path) == "" {
			return field, true
		}
	}
	return RequiredField{}, false
}

// ExistsFunc reports whether an entity exists in the local store.
type ExistsFunc func(entityType syncmodel.EntityType, entityID string) (bool, error)

// DanglingReference returns the first non-empty reference that does not
// resolve through exists.
func DanglingReference(rules EntityRules, payload string, exists ExistsFunc) (Reference, bool, error) {
	for _, reference := range rules.References {
		target := trimmedValue(payload, reference.Path)
		if target == "" {
			continue
		}
		found, err := exists(reference.Target, target)
		if err != nil {
			return Reference{}, false, err
		}
		if !found {
			return reference, true, nil
		}
	}
	return Reference{}, false, nil
}

// Side is one version of an entity: the local row or the incoming change.
type Side struct {
	Payload         string
	UpdatedAt       string
	UpdatedByDevice string
}

// FieldCollides reports a collision on field only when the incoming change
// touches it, both trimmed values are non-empty and differ, the timestamps are
// the same millisecond and the authoring devices differ.
func FieldCollides(field string, local, incoming Side) bool {
	if !gjson.Get(incoming.Payload, field).Exists() {
		return false
	}
	localValue := trimmedValue(local.Payload, field)
	incomingValue := trimmedValue(incoming.Payload, field)
	if localValue == "" || incomingValue == "" || localValue == incomingValue {
		return false
	}
	localMs, err := syncmodel.ParseTimestampMs(local.UpdatedAt)
	if err != nil {
		return false
	}
	incomingMs, err := syncmodel.ParseTimestampMs(incoming.UpdatedAt)
	if err != nil || localMs != incomingMs {
		return false
	}
	return syncmodel.NormalizeDeviceID(local.UpdatedByDevice) != syncmodel.NormalizeDeviceID(incoming.UpdatedByDevice)
}

// Decision describes why a change cannot be applied.
type Decision struct {
	Type       Type
	ReasonCode string
	Message    string
	Field      string
}

// Evaluate runs the detection rules in order: supported entity type, payload
// shape, required fields, references, then field collisions against local.
// A nil decision means the change may be applied. Deletes are never
// conflicts.
func Evaluate(change syncmodel.Change, local *Side, exists ExistsFunc) (*Decision, error) {
	rules, ok := RulesFor(change.EntityType)
	if !ok {
		return &Decision{Type: TypeValidation, ReasonCode: ReasonUnsupportedEntity, Message: "Entity type is not supported."}, nil
	}
	if change.Operation == syncmodel.OperationDelete {
		return nil, nil
	}
	if !gjson.Valid(change.Payload) || !gjson.Parse(change.Payload).IsObject() {
		return &Decision{Type: TypeValidation, ReasonCode: ReasonInvalidPayload, Message: "Change payload is not a JSON object."}, nil
	}
	if field, missing := MissingRequiredField(rules, change.Payload); missing {
		return &Decision{Type: TypeValidation, ReasonCode: field.Reason, Message: field.Message, Field: field.Path}, nil
	}
	reference, dangling, err := DanglingReference(rules, change.Payload, exists)
	if err != nil {
		return nil, err
	}
	if dangling {
		return &Decision{Type: TypeMissingDependency, ReasonCode: reference.Reason, Message: reference.Message, Field: reference.Path}, nil
	}
	if local == nil {
		return nil, nil
	}
	incoming := Side{Payload: change.Payload, UpdatedAt: change.UpdatedAt, UpdatedByDevice: change.UpdatedByDevice}
	for _, field := range rules.Collidable {
		if FieldCollides(field, *local, incoming) {
			return &Decision{
				Type:       TypeFieldCollision,
				ReasonCode: ReasonFieldCollision,
				Message:    "Field " + field + " was changed on two devices at the same time.",
				Field:      field,
			}, nil
		}
	}
	return nil, nil
}

func trimmedValue(payload, path string) string {
	value := gjson.Get(payload, path)
	if !value.Exists() || value.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(value.String())
}
