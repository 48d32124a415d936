// Package logbus implements the Log Bus of spec.md §4.3 (C3): an
// in-memory bounded ring buffer per task plus a set of bounded
// per-subscriber queues, with a drop-for-this-subscriber backpressure
// policy so that one slow reader never stalls the publisher or any
// other subscriber.
package logbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"apkforge/internal/models"
)

const (
	// DefaultRingSize is the number of recent records retained per task.
	DefaultRingSize = 2000
	// DefaultSubscriberBuffer is the channel depth given to each subscriber.
	DefaultSubscriberBuffer = 128
	// DefaultHeartbeatInterval is how often a heartbeat record is sent.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultGracePeriod is how long a closed task's ring is kept around
	// for straggling subscribers after Close.
	DefaultGracePeriod = 60 * time.Second
)

// Bus fans out per-task log records to any number of subscribers.
type Bus struct {
	RingSize          int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration

	mu    sync.Mutex
	tasks map[string]*taskLog
}

// New returns a Bus configured with spec defaults.
func New() *Bus {
	return &Bus{
		RingSize:          DefaultRingSize,
		SubscriberBuffer:  DefaultSubscriberBuffer,
		HeartbeatInterval: DefaultHeartbeatInterval,
		GracePeriod:       DefaultGracePeriod,
		tasks:             make(map[string]*taskLog),
	}
}

type taskLog struct {
	mu          sync.Mutex
	seq         uint64
	ring        []models.LogRecord
	subs        map[int]*subscriber
	nextSubID   int
	closed      bool
	finalStatus string
}

type subscriber struct {
	ch      chan models.LogRecord
	dropped uint64
	cancel  context.CancelFunc
	// wg is released once heartbeatLoop has observed ctx.Done() and
	// returned. Close must wait on it before closing ch: cancelling the
	// subscriber's context does not abort a send already in progress
	// inside heartbeatLoop's select, so closing ch without this
	// rendezvous can race a heartbeat send and panic.
	wg sync.WaitGroup
}

// Subscription is a live view onto a task's records.
type Subscription struct {
	Records <-chan models.LogRecord
	bus     *Bus
	taskID  string
	id      int
	sub     *subscriber
}

// Dropped returns how many records have been dropped for this subscriber
// so far due to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.sub.dropped)
}

// Unsubscribe stops heartbeat delivery and removes the subscriber from
// the task's fan-out set. It does not affect publishing or other
// subscribers.
func (s *Subscription) Unsubscribe() {
	s.sub.cancel()
	s.bus.removeSubscriber(s.taskID, s.id)
}

func (b *Bus) getOrCreateTask(taskID string) *taskLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		t = &taskLog{subs: make(map[int]*subscriber)}
		b.tasks[taskID] = t
	}
	return t
}

func (b *Bus) ringSize() int {
	if b.RingSize > 0 {
		return b.RingSize
	}
	return DefaultRingSize
}

func (b *Bus) subBuffer() int {
	if b.SubscriberBuffer > 0 {
		return b.SubscriberBuffer
	}
	return DefaultSubscriberBuffer
}

// Publish assigns the next sequence number to record, appends it to the
// task's ring, and fans it out to every subscriber. It never blocks: a
// subscriber whose channel is full has its oldest buffered record
// evicted to make room, and its dropped counter incremented.
func (b *Bus) Publish(taskID string, record models.LogRecord) models.LogRecord {
	t := b.getOrCreateTask(taskID)

	t.mu.Lock()
	t.seq++
	record.TaskID = taskID
	record.Seq = t.seq
	t.ring = append(t.ring, record)
	if over := len(t.ring) - b.ringSize(); over > 0 {
		t.ring = append([]models.LogRecord(nil), t.ring[over:]...)
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		deliver(s, record)
	}
	return record
}

func deliver(s *subscriber, record models.LogRecord) {
	select {
	case s.ch <- record:
		return
	default:
	}
	// Buffer full: drop the oldest queued record for this subscriber only.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- record:
	default:
	}
	atomic.AddUint64(&s.dropped, 1)
}

// Subscribe attaches a new subscriber to taskID. It immediately enqueues
// up to replay of the most recently published records (oldest first),
// then streams live records as Publish is called. A periodic heartbeat
// record is injected at the bus's HeartbeatInterval; heartbeats never
// count toward the subscriber's dropped total and are skipped (rather
// than evicting a real record) if the buffer is full.
func (b *Bus) Subscribe(ctx context.Context, taskID string, replay int) *Subscription {
	t := b.getOrCreateTask(taskID)

	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan models.LogRecord, b.subBuffer())
	if replay > 0 && len(t.ring) > 0 {
		start := len(t.ring) - replay
		if start < 0 {
			start = 0
		}
		for _, rec := range t.ring[start:] {
			select {
			case ch <- rec:
			default:
			}
		}
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{ch: ch, cancel: cancel}
	t.subs[id] = s
	t.mu.Unlock()

	interval := b.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	s.wg.Add(1)
	go b.heartbeatLoop(subCtx, s, taskID, interval)

	return &Subscription{Records: ch, bus: b, taskID: taskID, id: id, sub: s}
}

func (b *Bus) heartbeatLoop(ctx context.Context, s *subscriber, taskID string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := models.LogRecord{
				TaskID:    taskID,
				Timestamp: time.Now().UTC(),
				Level:     models.LogLevelInfo,
				Source:    "heartbeat",
			}
			select {
			case s.ch <- hb:
			default:
				// buffer full: skip this heartbeat, do not evict a real record
			}
		}
	}
}

// Tail returns up to the last n records currently in taskID's ring,
// oldest first, without creating a subscriber. Used by callers that
// want a one-shot snapshot of recent output (e.g. failure diagnosis)
// rather than a live stream.
func (b *Bus) Tail(taskID string, n int) []models.LogRecord {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start := len(t.ring) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.LogRecord, len(t.ring)-start)
	copy(out, t.ring[start:])
	return out
}

func (b *Bus) removeSubscriber(taskID string, id int) {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Close publishes a terminal record carrying finalStatus, closes every
// subscriber channel, and schedules the task's ring and subscriber set
// for removal after the bus's GracePeriod so that straggling subscribers
// can still read what is already queued.
func (b *Bus) Close(taskID string, finalStatus string) {
	t := b.getOrCreateTask(taskID)

	t.mu.Lock()
	t.seq++
	t.closed = true
	t.finalStatus = finalStatus
	terminal := models.LogRecord{
		TaskID:    taskID,
		Seq:       t.seq,
		Timestamp: time.Now().UTC(),
		Level:     models.LogLevelInfo,
		Text:      "completed:" + finalStatus,
		Source:    "system",
	}
	t.ring = append(t.ring, terminal)
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		deliver(s, terminal)
		s.cancel()
		s.wg.Wait()
		close(s.ch)
	}

	grace := b.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	time.AfterFunc(grace, func() {
		b.mu.Lock()
		delete(b.tasks, taskID)
		b.mu.Unlock()
	})
}
