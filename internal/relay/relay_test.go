package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:solostack_relay_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Change{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return time.Unix(1700000600, 0).UTC() }})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return service
}

func wireChange(key, device string) syncmodel.Change {
	return syncmodel.Change{
		EntityType:      syncmodel.EntityTask,
		EntityID:        "task-" + key,
		Operation:       "upsert",
		UpdatedAt:       "2024-05-01T10:00:00Z",
		UpdatedByDevice: device,
		SyncVersion:     1,
		Payload:         `{"title":"t"}`,
		IdempotencyKey:  key,
	}
}

func TestPushIsIdempotent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	request := transport.PushRequest{DeviceID: "device-a", Changes: []syncmodel.Change{wireChange("k1", "device-a"), wireChange("k2", "device-a")}}

	first, err := service.Push(ctx, request)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	second, err := service.Push(ctx, request)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(first.Accepted) != 2 || len(second.Accepted) != 2 {
		t.Fatalf("expected both pushes to accept two keys, got %v and %v", first.Accepted, second.Accepted)
	}
	if first.ServerCursor != "2" || second.ServerCursor != "2" {
		t.Fatalf("replay must not append, cursors %q and %q", first.ServerCursor, second.ServerCursor)
	}
}

func TestPushRejectsInvalidChanges(t *testing.T) {
	service := newTestService(t)
	invalid := wireChange("k1", "device-a")
	invalid.UpdatedAt = "yesterday"

	result, err := service.Push(context.Background(), transport.PushRequest{Changes: []syncmodel.Change{invalid, wireChange("k2", "device-a")}})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].IdempotencyKey != "k1" || result.Rejected[0].Reason != RejectInvalidChange {
		t.Fatalf("unexpected rejections %+v", result.Rejected)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "k2" {
		t.Fatalf("unexpected accepted %+v", result.Accepted)
	}
}

func TestPullPagesAndExcludesOwnChanges(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	changes := []syncmodel.Change{
		wireChange("k1", "device-a"),
		wireChange("k2", "Device-B"),
		wireChange("k3", "device-a"),
		wireChange("k4", "device-c"),
		wireChange("k5", "device-a"),
	}
	if _, err := service.Push(ctx, transport.PushRequest{Changes: changes}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	page, err := service.Pull(ctx, transport.PullRequest{DeviceID: "device-b", Limit: 2})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(page.Changes) != 2 || page.Changes[0].IdempotencyKey != "k1" || page.Changes[1].IdempotencyKey != "k3" {
		t.Fatalf("unexpected first page %+v", page.Changes)
	}
	if !page.HasMore || page.ServerCursor != "3" {
		t.Fatalf("expected has_more with cursor 3, got %v %q", page.HasMore, page.ServerCursor)
	}
	if page.Changes[0].Operation != syncmodel.OperationUpsert {
		t.Fatalf("expected normalized operation, got %q", page.Changes[0].Operation)
	}

	next, err := service.Pull(ctx, transport.PullRequest{DeviceID: "device-b", Limit: 2, Cursor: page.ServerCursor})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(next.Changes) != 2 || next.HasMore || next.ServerCursor != "5" {
		t.Fatalf("unexpected second page %+v", next)
	}

	empty, err := service.Pull(ctx, transport.PullRequest{DeviceID: "device-b", Cursor: next.ServerCursor})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(empty.Changes) != 0 || empty.ServerCursor != "5" {
		t.Fatalf("expected empty page keeping cursor, got %+v", empty)
	}
}

func TestParseCursor(t *testing.T) {
	if value, err := ParseCursor(""); err != nil || value != 0 {
		t.Fatalf("expected empty cursor to start at zero")
	}
	if value, err := ParseCursor(" 42 "); err != nil || value != 42 {
		t.Fatalf("expected 42, got %d (%v)", value, err)
	}
	if _, err := ParseCursor("changes/1"); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
}

func TestPushAttributesChangesToPushingDevice(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	spoofed := wireChange("k1", "device-b")
	if _, err := service.Push(ctx, transport.PushRequest{DeviceID: "Device-A", Changes: []syncmodel.Change{spoofed}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	var stored Change
	if err := service.db.Where("idempotency_key = ?", "k1").Take(&stored).Error; err != nil {
		t.Fatalf("load relay change: %v", err)
	}
	if stored.AuthorDevice != "device-a" || stored.UpdatedByDevice != "device-b" {
		t.Fatalf("expected author stamped from pushing device, got %+v", stored)
	}

	forVictim, err := service.Pull(ctx, transport.PullRequest{DeviceID: "device-b"})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(forVictim.Changes) != 1 {
		t.Fatalf("expected the named device to still receive the change, got %+v", forVictim.Changes)
	}
	forPusher, err := service.Pull(ctx, transport.PullRequest{DeviceID: "device-a"})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(forPusher.Changes) != 0 {
		t.Fatalf("expected the pushing device to be excluded, got %+v", forPusher.Changes)
	}
}
