package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

func sampleChange(key, device string) syncmodel.Change {
	return syncmodel.Change{
		EntityType:      syncmodel.EntityTask,
		EntityID:        "task-" + key,
		Operation:       syncmodel.OperationUpsert,
		UpdatedAt:       "2026-01-01T00:00:00Z",
		UpdatedByDevice: device,
		SyncVersion:     1,
		Payload:         `{"title":"Write report"}`,
		IdempotencyKey:  key,
	}
}

func TestHTTPTransportPush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "Bearer device-token" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		var request PushRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode: %v", err)
		}
		if request.DeviceID != "device-a" || len(request.Changes) != 1 {
			t.Errorf("unexpected request %+v", request)
		}
		_, _ = w.Write([]byte(`{"accepted":["k1"],"server_cursor":"4","server_time":"2026-01-01T00:00:01Z"}`))
	}))
	defer server.Close()

	transport, err := NewHTTP(HTTPConfig{PushURL: server.URL, PullURL: server.URL, Token: "device-token"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	result, err := transport.Push(context.Background(), PushRequest{DeviceID: "device-a", Changes: []syncmodel.Change{sampleChange("k1", "device-a")}})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "k1" || result.Rejected == nil || result.ServerCursor != "4" {
		t.Fatalf("unexpected push result %+v", result)
	}
}

func TestHTTPTransportAPIErrorIsVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"CURSOR_EXPIRED","message":"Cursor is too old"}`))
	}))
	defer server.Close()

	transport, _ := NewHTTP(HTTPConfig{PushURL: server.URL, PullURL: server.URL})
	_, err := transport.Pull(context.Background(), PullRequest{Cursor: "1", Limit: 10})
	var transportErr *Error
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if transportErr.Kind != KindAPI || transportErr.Code != "CURSOR_EXPIRED" || transportErr.Message != "Cursor is too old" || transportErr.Status != http.StatusConflict {
		t.Fatalf("unexpected api error %+v", transportErr)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	transport, _ := NewHTTP(HTTPConfig{PushURL: server.URL, PullURL: server.URL, Timeout: 50 * time.Millisecond})
	_, err := transport.Pull(context.Background(), PullRequest{})
	var transportErr *Error
	if !errors.As(err, &transportErr) || transportErr.Kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestHTTPTransportNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	address := server.URL
	server.Close()

	transport, _ := NewHTTP(HTTPConfig{PushURL: address, PullURL: address, Timeout: time.Second})
	_, err := transport.Push(context.Background(), PushRequest{})
	var transportErr *Error
	if !errors.As(err, &transportErr) || transportErr.Kind != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestHTTPTransportDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	transport, _ := NewHTTP(HTTPConfig{PushURL: server.URL, PullURL: server.URL})
	_, err := transport.Pull(context.Background(), PullRequest{})
	var transportErr *Error
	if !errors.As(err, &transportErr) || transportErr.Kind != KindDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
}

type memoryConnector struct {
	mu      sync.Mutex
	objects map[string][]byte
	page    int
	lists   []connector.ListRequest
	listed  int
}

func newMemoryConnector(pageSize int) *memoryConnector {
	return &memoryConnector{objects: map[string][]byte{}, page: pageSize}
}

func (m *memoryConnector) Provider() connector.Provider { return connector.ProviderGCS }

func (m *memoryConnector) List(_ context.Context, request connector.ListRequest) (connector.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = append(m.lists, request)
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, request.Prefix+"/") && key > request.StartAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	start := 0
	for start < len(keys) && request.Cursor != "" && keys[start] <= request.Cursor {
		start++
	}
	end := start + m.page
	result := connector.ListResult{Provider: connector.ProviderGCS}
	if end < len(keys) {
		result.NextCursor = keys[end-1]
	} else {
		end = len(keys)
	}
	for _, key := range keys[start:end] {
		result.Files = append(result.Files, connector.FileEntry{Key: key})
	}
	m.listed += end - start
	return result, nil
}

func (m *memoryConnector) Read(_ context.Context, request connector.ReadRequest) (connector.ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[request.Key]
	if !ok {
		return connector.ReadResult{}, connector.NewError(connector.ProviderGCS, connector.CodeNotFound, "")
	}
	return connector.ReadResult{Provider: connector.ProviderGCS, Key: request.Key, Content: content}, nil
}

func (m *memoryConnector) Write(_ context.Context, request connector.WriteRequest) (connector.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[request.Key] = append([]byte(nil), request.Content...)
	return connector.WriteResult{Provider: connector.ProviderGCS, Key: request.Key}, nil
}

func TestConnectorTransportRoundTrip(t *testing.T) {
	store := newMemoryConnector(2)
	now := time.UnixMilli(1_700_000_000_000)
	transport, err := NewConnectorTransport(ConnectorConfig{Connector: store, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	invalid := sampleChange("bad", "device-a")
	invalid.EntityID = ""
	pushed, err := transport.Push(context.Background(), PushRequest{
		DeviceID: "device-a",
		Changes:  []syncmodel.Change{sampleChange("a1", "device-a"), sampleChange("a2", "device-a"), invalid},
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if len(pushed.Accepted) != 2 || len(pushed.Rejected) != 1 || pushed.Rejected[0].Reason != rejectInvalidChange {
		t.Fatalf("unexpected push result %+v", pushed)
	}

	now = now.Add(time.Second)
	if _, err := transport.Push(context.Background(), PushRequest{DeviceID: "device-b", Changes: []syncmodel.Change{sampleChange("b1", "Device-B"), sampleChange("b2", "device-b"), sampleChange("b3", "device-b")}}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	first, err := transport.Pull(context.Background(), PullRequest{DeviceID: "device-a", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(first.Changes) != 2 || first.Changes[0].IdempotencyKey != "b1" || first.Changes[1].IdempotencyKey != "b2" {
		t.Fatalf("expected own changes skipped and peer changes in order, got %+v", first.Changes)
	}
	if !first.HasMore {
		t.Fatalf("expected more changes to remain")
	}

	second, err := transport.Pull(context.Background(), PullRequest{DeviceID: "device-a", Limit: 2, Cursor: first.ServerCursor})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(second.Changes) != 1 || second.Changes[0].IdempotencyKey != "b3" || second.HasMore {
		t.Fatalf("unexpected second page %+v", second)
	}

	third, err := transport.Pull(context.Background(), PullRequest{DeviceID: "device-a", Limit: 2, Cursor: second.ServerCursor})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(third.Changes) != 0 || third.HasMore || third.ServerCursor != second.ServerCursor {
		t.Fatalf("expected empty tail, got %+v", third)
	}
}

func TestChangeObjectKeySortsByPushTime(t *testing.T) {
	early := ChangeObjectKey(time.UnixMilli(999), "x/y z")
	late := ChangeObjectKey(time.UnixMilli(1_700_000_000_000), "a")
	if early != "changes/0000000000999-x_y_z.json" {
		t.Fatalf("unexpected key %s", early)
	}
	if !(early < late) {
		t.Fatalf("expected lexical order to follow push time")
	}
}

func TestResolve(t *testing.T) {
	managed := newMemoryConnector(10)
	cases := []struct {
		name    string
		input   ResolveInput
		status  Status
		warning string
	}{
		{name: "both urls", input: ResolveInput{Provider: connector.ProviderGenericHTTP, PushURL: "https://x/push", PullURL: "https://x/pull"}, status: StatusReady},
		{name: "push only", input: ResolveInput{Provider: connector.ProviderGenericHTTP, PushURL: "https://x/push"}, status: StatusInvalidConfig, warning: WarningURLsRequired},
		{name: "pull only", input: ResolveInput{Provider: connector.ProviderGenericHTTP, PullURL: "https://x/pull"}, status: StatusInvalidConfig, warning: WarningURLsRequired},
		{name: "no urls", input: ResolveInput{Provider: connector.ProviderGenericHTTP}, status: StatusProviderUnavailable, warning: WarningEndpointMissing},
		{name: "managed without connector", input: ResolveInput{Provider: connector.ProviderOneDrive}, status: StatusProviderUnavailable, warning: WarningConnectorUnavailable},
		{name: "managed flagged unavailable", input: ResolveInput{Provider: connector.ProviderGCS, Connector: managed, ProviderUnavailable: true}, status: StatusProviderUnavailable, warning: WarningConnectorUnavailable},
		{name: "managed ready", input: ResolveInput{Provider: connector.ProviderGCS, Connector: managed}, status: StatusReady},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			resolution := Resolve(testCase.input)
			if resolution.Status != testCase.status {
				t.Fatalf("expected %s, got %s", testCase.status, resolution.Status)
			}
			if (resolution.Transport == nil) == (resolution.Warning == "") {
				t.Fatalf("exactly one of transport and warning must be set: %+v", resolution)
			}
			if resolution.Warning != testCase.warning {
				t.Fatalf("expected warning %q, got %q", testCase.warning, resolution.Warning)
			}
		})
	}
}

func TestConnectorTransportListsOnlyAfterCursor(t *testing.T) {
	store := newMemoryConnector(100)
	now := time.UnixMilli(1_700_000_000_000)
	transport, err := NewConnectorTransport(ConnectorConfig{Connector: store, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	for _, key := range []string{"c1", "c2", "c3", "c4"} {
		now = now.Add(time.Second)
		if _, err := transport.Push(context.Background(), PushRequest{DeviceID: "device-b", Changes: []syncmodel.Change{sampleChange(key, "device-b")}}); err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}
	cursor := ChangeObjectKey(now.Add(-time.Second), "c3")

	store.mu.Lock()
	store.lists = nil
	store.listed = 0
	store.mu.Unlock()

	pulled, err := transport.Pull(context.Background(), PullRequest{DeviceID: "device-a", Cursor: cursor})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(pulled.Changes) != 1 || pulled.Changes[0].IdempotencyKey != "c4" {
		t.Fatalf("expected only the change after the cursor, got %+v", pulled.Changes)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.lists) == 0 {
		t.Fatalf("expected the pull to list objects")
	}
	for _, request := range store.lists {
		if request.StartAfter != cursor {
			t.Fatalf("expected listing to start after %q, got %+v", cursor, request)
		}
	}
	if store.listed != 1 {
		t.Fatalf("expected one listed object past the cursor, got %d", store.listed)
	}
}
