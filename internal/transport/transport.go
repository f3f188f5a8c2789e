// Package transport moves changes between a device and its sync backend. Two
// implementations share one contract: HTTP posts to a push/pull endpoint pair,
// and a connector-backed layout that stores each change as an object.
package transport

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

// Transport pushes local changes and pulls remote ones.
type Transport interface {
	Push(ctx context.Context, request PushRequest) (PushResult, error)
	Pull(ctx context.Context, request PullRequest) (PullResult, error)
}

type PushRequest struct {
	Changes  []syncmodel.Change `json:"changes"`
	DeviceID string             `json:"device_id"`
}

// Rejection reports a pushed change the backend refused.
type Rejection struct {
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type PushResult struct {
	Accepted     []string    `json:"accepted"`
	Rejected     []Rejection `json:"rejected"`
	ServerCursor string      `json:"server_cursor"`
	ServerTime   string      `json:"server_time"`
}

type PullRequest struct {
	Cursor   string `json:"cursor"`
	Limit    int    `json:"limit"`
	DeviceID string `json:"device_id"`
}

type PullResult struct {
	ServerCursor string             `json:"server_cursor"`
	ServerTime   string             `json:"server_time"`
	Changes      []syncmodel.Change `json:"changes"`
	HasMore      bool               `json:"has_more"`
}

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindNetwork ErrorKind = "network"
	KindAPI     ErrorKind = "api"
	KindDecode  ErrorKind = "decode"
)

// Error is a failed push or pull. API errors carry the backend's code and
// message verbatim.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("transport api error %d %s: %s", e.Status, e.Code, e.Message)
	default:
		if e.cause != nil {
			return fmt.Sprintf("transport %s error: %s: %v", e.Kind, e.Message, e.cause)
		}
		return fmt.Sprintf("transport %s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}
