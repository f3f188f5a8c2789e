package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/auth"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/relay"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

type relayFixture struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func newRelayFixture(t *testing.T) relayFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:solostack_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&relay.Change{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	relayService, err := relay.NewService(relay.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "solostack-relay",
		Audience:      "solostack-sync",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Relay:             relayService,
		TokenManager:      issuer,
		Metrics:           promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return relayFixture{server: server, issuer: issuer}
}

func (f relayFixture) transportFor(t *testing.T, deviceID string) transport.Transport {
	t.Helper()
	token, _, err := f.issuer.IssueDeviceToken(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("failed to issue device token: %v", err)
	}
	client, err := transport.NewHTTP(transport.HTTPConfig{
		PushURL: f.server.URL + "/sync/push",
		PullURL: f.server.URL + "/sync/pull",
		Token:   token,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct transport: %v", err)
	}
	return client
}

func TestRelayRoundTripBetweenDevices(t *testing.T) {
	fixture := newRelayFixture(t)
	ctx := context.Background()
	deviceA := fixture.transportFor(t, "device-a")
	deviceB := fixture.transportFor(t, "device-b")

	change := syncmodel.Change{
		EntityType:      syncmodel.EntityProject,
		EntityID:        "project-1",
		Operation:       syncmodel.OperationUpsert,
		UpdatedAt:       "2024-05-01T10:00:00Z",
		UpdatedByDevice: "device-a",
		SyncVersion:     1,
		Payload:         `{"name":"Inbox"}`,
		IdempotencyKey:  "key-1",
	}
	pushed, err := deviceA.Push(ctx, transport.PushRequest{DeviceID: "device-a", Changes: []syncmodel.Change{change}})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(pushed.Accepted) != 1 || pushed.ServerCursor != "1" {
		t.Fatalf("unexpected push result %+v", pushed)
	}

	own, err := deviceA.Pull(ctx, transport.PullRequest{DeviceID: "device-a"})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(own.Changes) != 0 {
		t.Fatalf("device must not receive its own changes, got %+v", own.Changes)
	}

	pulled, err := deviceB.Pull(ctx, transport.PullRequest{DeviceID: "device-b", Limit: 10})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pulled.Changes) != 1 || pulled.Changes[0].Payload != `{"name":"Inbox"}` || pulled.ServerCursor != "1" || pulled.HasMore {
		t.Fatalf("unexpected pull result %+v", pulled)
	}
}

func TestRelayRejectsMismatchedDeviceAndBadCursor(t *testing.T) {
	fixture := newRelayFixture(t)
	ctx := context.Background()
	deviceA := fixture.transportFor(t, "device-a")

	_, err := deviceA.Push(ctx, transport.PushRequest{DeviceID: "device-z"})
	transportErr, ok := err.(*transport.Error)
	if !ok || transportErr.Kind != transport.KindAPI || transportErr.Status != http.StatusForbidden || transportErr.Code != "device_mismatch" {
		t.Fatalf("expected device_mismatch api error, got %v", err)
	}

	_, err = deviceA.Pull(ctx, transport.PullRequest{DeviceID: "device-a", Cursor: "not-a-number"})
	transportErr, ok = err.(*transport.Error)
	if !ok || transportErr.Code != "invalid_cursor" || transportErr.Status != http.StatusBadRequest {
		t.Fatalf("expected invalid_cursor api error, got %v", err)
	}
}

func TestRelayRequiresBearerToken(t *testing.T) {
	fixture := newRelayFixture(t)
	response, err := http.Post(fixture.server.URL+"/sync/pull", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}

	health, err := http.Get(fixture.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy relay, got %d", health.StatusCode)
	}
	metrics, err := http.Get(fixture.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", metrics.StatusCode)
	}
}

func TestRealtimeStreamEmitsChangeNotices(t *testing.T) {
	fixture := newRelayFixture(t)
	token, _, err := fixture.issuer.IssueDeviceToken(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	streamResp, err := http.Get(fixture.server.URL + "/sync/stream?access_token=" + token)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = streamResp.Body.Close() })
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	deviceA := fixture.transportFor(t, "device-a")
	change := syncmodel.Change{
		EntityType: syncmodel.EntityTask, EntityID: "task-1", Operation: syncmodel.OperationUpsert,
		UpdatedAt: "2024-05-01T10:00:00Z", UpdatedByDevice: "device-a", SyncVersion: 1,
		Payload: `{"title":"t"}`, IdempotencyKey: "key-1",
	}

	type readResult struct {
		line string
		err  error
	}
	pushed := false
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for change notice")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType == realtimeEventHeartbeat && !pushed {
				pushed = true
				if _, err := deviceA.Push(context.Background(), transport.PushRequest{Changes: []syncmodel.Change{change}}); err != nil {
					t.Fatalf("push failed: %v", err)
				}
				continue
			}
			if currentEventType != RealtimeEventChangesAvailable {
				continue
			}
			var payload struct {
				Cursor string `json:"cursor"`
				Count  int    `json:"count"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Cursor != "1" || payload.Count != 1 {
				t.Fatalf("unexpected notice payload %+v", payload)
			}
			return
		}
	}
}
