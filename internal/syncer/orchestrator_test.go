package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/schedule"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

type memoryStore struct {
	mu       sync.Mutex
	pending  []syncmodel.Change
	accepted []string
	rejected map[string]string
	cursors  map[string]string
	applied  []syncmodel.Change
	outcomes map[string]store.Outcome
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rejected: map[string]string{}, cursors: map[string]string{}, outcomes: map[string]store.Outcome{}}
}

func (s *memoryStore) ListPendingChanges(_ context.Context, limit int) ([]syncmodel.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > limit {
		return append([]syncmodel.Change(nil), s.pending[:limit]...), nil
	}
	return append([]syncmodel.Change(nil), s.pending...), nil
}

func (s *memoryStore) MarkPushResult(_ context.Context, accepted []string, rejected map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, accepted...)
	for key, reason := range rejected {
		s.rejected[key] = reason
	}
	s.pending = nil
	return nil
}

func (s *memoryStore) GetCursor(_ context.Context, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[scope], nil
}

func (s *memoryStore) SetCursor(_ context.Context, scope, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[scope] = cursor
	return nil
}

func (s *memoryStore) ApplyIncomingChange(_ context.Context, change syncmodel.Change) (store.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, change)
	if outcome, ok := s.outcomes[change.IdempotencyKey]; ok {
		return store.ApplyResult{Outcome: outcome}, nil
	}
	return store.ApplyResult{Outcome: store.OutcomeApplied}, nil
}

type pagedTransport struct {
	mu        sync.Mutex
	pages     []transport.PullResult
	pulls     []transport.PullRequest
	pushes    []transport.PushRequest
	pushErr   error
	pullErr   error
	block     chan struct{}
	entered   chan struct{}
	rejectKey string
}

func (t *pagedTransport) Push(_ context.Context, request transport.PushRequest) (transport.PushResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushes = append(t.pushes, request)
	if t.pushErr != nil {
		return transport.PushResult{}, t.pushErr
	}
	result := transport.PushResult{}
	for _, change := range request.Changes {
		if change.IdempotencyKey == t.rejectKey {
			result.Rejected = append(result.Rejected, transport.Rejection{IdempotencyKey: change.IdempotencyKey, Reason: "INVALID_CHANGE"})
			continue
		}
		result.Accepted = append(result.Accepted, change.IdempotencyKey)
	}
	return result, nil
}

func (t *pagedTransport) Pull(_ context.Context, request transport.PullRequest) (transport.PullResult, error) {
	if t.block != nil {
		t.entered <- struct{}{}
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pulls = append(t.pulls, request)
	if t.pullErr != nil {
		return transport.PullResult{}, t.pullErr
	}
	index := len(t.pulls) - 1
	if index >= len(t.pages) {
		return transport.PullResult{ServerCursor: request.Cursor}, nil
	}
	return t.pages[index], nil
}

func remoteChange(key, device string) syncmodel.Change {
	return syncmodel.Change{
		EntityType:      syncmodel.EntityProject,
		EntityID:        "project-" + key,
		Operation:       syncmodel.OperationUpsert,
		UpdatedAt:       "2024-01-01T00:00:00Z",
		UpdatedByDevice: device,
		SyncVersion:     1,
		Payload:         `{"name":"p"}`,
		IdempotencyKey:  key,
	}
}

func newTestOrchestrator(t *testing.T, local Store, remote transport.Transport, profile schedule.Profile) *Orchestrator {
	t.Helper()
	clockBase := time.Unix(1_700_000_000, 0).UTC()
	ticks := 0
	var clockMu sync.Mutex
	orchestrator, err := New(Config{
		Store:       local,
		Transport:   remote,
		DeviceID:    "Device-A",
		CursorScope: "generic_http",
		Profile:     func() schedule.Profile { return profile },
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			ticks++
			return clockBase.Add(time.Duration(ticks) * 100 * time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	return orchestrator
}

func TestRunCyclePushesAndMarksResults(t *testing.T) {
	local := newMemoryStore()
	local.pending = []syncmodel.Change{remoteChange("key-1", "device-a"), remoteChange("key-2", "device-a")}
	remote := &pagedTransport{rejectKey: "key-2"}
	orchestrator := newTestOrchestrator(t, local, remote, schedule.DefaultProfile())

	report, err := orchestrator.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if report.Pushed != 1 || report.Rejected != 1 {
		t.Fatalf("unexpected push report %+v", report)
	}
	if len(local.accepted) != 1 || local.accepted[0] != "key-1" || local.rejected["key-2"] != "INVALID_CHANGE" {
		t.Fatalf("push result not recorded: %+v %+v", local.accepted, local.rejected)
	}
	if remote.pushes[0].DeviceID != "device-a" {
		t.Fatalf("expected normalized device id, got %q", remote.pushes[0].DeviceID)
	}
}

func TestRunCycleFollowsHasMore(t *testing.T) {
	local := newMemoryStore()
	remote := &pagedTransport{pages: []transport.PullResult{
		{ServerCursor: "c1", Changes: []syncmodel.Change{remoteChange("k1", "device-b")}, HasMore: true},
		{ServerCursor: "c2", Changes: []syncmodel.Change{remoteChange("k2", "device-b"), remoteChange("k3", "device-a")}, HasMore: true},
		{ServerCursor: "c3", Changes: []syncmodel.Change{remoteChange("k4", "device-c")}, HasMore: false},
	}}
	orchestrator := newTestOrchestrator(t, local, remote, schedule.DefaultProfile())

	report, err := orchestrator.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if report.Pages != 3 || report.Pulled != 3 || report.Applied != 3 {
		t.Fatalf("unexpected pull report %+v", report)
	}
	if len(remote.pulls) != 3 || remote.pulls[1].Cursor != "c1" || remote.pulls[2].Cursor != "c2" {
		t.Fatalf("cursor not threaded through pages: %+v", remote.pulls)
	}
	if local.cursors["generic_http"] != "c3" {
		t.Fatalf("expected final cursor c3, got %q", local.cursors["generic_http"])
	}
	for _, change := range local.applied {
		if change.UpdatedByDevice == "device-a" {
			t.Fatalf("own change must not be applied")
		}
	}
}

func TestRunCycleStopsAtMaxPullPages(t *testing.T) {
	local := newMemoryStore()
	pages := make([]transport.PullResult, 0, 10)
	for index := 0; index < 10; index++ {
		pages = append(pages, transport.PullResult{ServerCursor: fmt.Sprintf("c%d", index), HasMore: true})
	}
	remote := &pagedTransport{pages: pages}
	profile := schedule.DefaultProfile()
	profile.MaxPullPages = 2
	orchestrator := newTestOrchestrator(t, local, remote, profile)

	if _, err := orchestrator.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(remote.pulls) != 2 || local.cursors["generic_http"] != "c1" {
		t.Fatalf("expected two pages and cursor c1, got %d pulls cursor %q", len(remote.pulls), local.cursors["generic_http"])
	}
}

func TestRunCycleFailureUpdatesDiagnostics(t *testing.T) {
	local := newMemoryStore()
	remote := &pagedTransport{pullErr: &transport.Error{Kind: transport.KindNetwork, Message: "Sync request failed."}}
	orchestrator := newTestOrchestrator(t, local, remote, schedule.DefaultProfile())
	cycle := orchestrator.Cycle()

	if failures := cycle(context.Background()); failures != 1 {
		t.Fatalf("expected one consecutive failure, got %d", failures)
	}
	if failures := cycle(context.Background()); failures != 2 {
		t.Fatalf("expected two consecutive failures, got %d", failures)
	}
	remote.mu.Lock()
	remote.pullErr = nil
	remote.mu.Unlock()
	if failures := cycle(context.Background()); failures != 0 {
		t.Fatalf("expected success to reset failures, got %d", failures)
	}
	snapshot := orchestrator.Snapshot()
	if snapshot.TotalCycles != 3 || snapshot.FailedCycles != 2 || snapshot.SuccessRatePercent != 33 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.LastCycleDurationMs == nil || *snapshot.LastCycleDurationMs != 100 {
		t.Fatalf("expected 100ms cycle duration from the test clock")
	}
}

func TestRunCycleCountsConflicts(t *testing.T) {
	local := newMemoryStore()
	local.outcomes["k1"] = store.OutcomeConflict
	remote := &pagedTransport{pages: []transport.PullResult{
		{ServerCursor: "c1", Changes: []syncmodel.Change{remoteChange("k1", "device-b"), remoteChange("k2", "device-b")}},
	}}
	orchestrator := newTestOrchestrator(t, local, remote, schedule.DefaultProfile())

	report, err := orchestrator.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if report.Conflicts != 1 || report.Applied != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if orchestrator.Snapshot().ConflictCycles != 1 {
		t.Fatalf("expected conflict cycle recorded")
	}
}

func TestRunCycleRejectsOverlappingCycles(t *testing.T) {
	local := newMemoryStore()
	remote := &pagedTransport{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	orchestrator := newTestOrchestrator(t, local, remote, schedule.DefaultProfile())

	done := make(chan error, 1)
	go func() {
		_, err := orchestrator.RunCycle(context.Background())
		done <- err
	}()
	<-remote.entered

	if _, err := orchestrator.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	close(remote.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if orchestrator.Snapshot().TotalCycles != 1 {
		t.Fatalf("skipped cycle must not be folded into diagnostics")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{Transport: &pagedTransport{}, DeviceID: "a"}); err == nil {
		t.Fatalf("expected missing store error")
	}
	if _, err := New(Config{Store: newMemoryStore(), DeviceID: "a"}); err == nil {
		t.Fatalf("expected missing transport error")
	}
	if _, err := New(Config{Store: newMemoryStore(), Transport: &pagedTransport{}, DeviceID: "  "}); err == nil {
		t.Fatalf("expected missing device id error")
	}
}
