package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
)

const (
	RealtimeEventChangesAvailable = "changes-available"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeSourceRelay           = "solostack-relay"
)

// ChangeNotice tells devices that a push landed and a pull would return data.
type ChangeNotice struct {
	SourceDevice string
	Cursor       string
	Count        int
	Timestamp    time.Time
}

// RealtimeDispatcher fans change notices out to every subscribed device except
// the one that pushed.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id       int64
	deviceID string
	stream   chan ChangeNotice
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, deviceID string) (<-chan ChangeNotice, func()) {
	deviceID = syncmodel.NormalizeDeviceID(deviceID)
	if deviceID == "" {
		ch := make(chan ChangeNotice)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		deviceID: deviceID,
		stream:   make(chan ChangeNotice, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish never blocks; a subscriber with a full buffer misses the notice and
// catches up on its next pull.
func (d *RealtimeDispatcher) Publish(notice ChangeNotice) {
	if notice.Count <= 0 {
		return
	}
	source := syncmodel.NormalizeDeviceID(notice.SourceDevice)
	d.mu.RLock()
	targets := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		if subscriber.deviceID != source {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- notice:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
