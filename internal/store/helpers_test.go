package store

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

type sequenceIDGenerator struct {
	next atomic.Int64
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	return fmt.Sprintf("id-%06d", g.next.Add(1)), nil
}

var testNow = time.Unix(1700000600, 0).UTC()

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:solostack_store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return testNow },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct store service: %v", err)
	}
	return service, db
}

func newChange(entityType syncmodel.EntityType, entityID, key, payload string, updatedAt time.Time, device string) syncmodel.Change {
	return syncmodel.Change{
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       syncmodel.OperationUpsert,
		UpdatedAt:       syncmodel.FormatTimestamp(updatedAt),
		UpdatedByDevice: device,
		SyncVersion:     1,
		Payload:         payload,
		IdempotencyKey:  key,
	}
}
