package logbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/models"
)

func rec(text string) models.LogRecord {
	return models.LogRecord{Level: models.LogLevelInfo, Text: text, Timestamp: time.Now().UTC()}
}

func TestPublishSubscribe_OrderingIsStrictlyIncreasing(t *testing.T) {
	b := New()
	b.HeartbeatInterval = time.Hour // disable for this test

	sub := b.Subscribe(context.Background(), "t1", 0)
	defer sub.Unsubscribe()

	for i := 0; i < 50; i++ {
		b.Publish("t1", rec("line"))
	}

	var lastSeq uint64
	for i := 0; i < 50; i++ {
		select {
		case r := <-sub.Records:
			assert.Greater(t, r.Seq, lastSeq)
			lastSeq = r.Seq
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for record")
		}
	}
}

func TestSubscribe_ReplayDeliversRecentHistory(t *testing.T) {
	b := New()
	b.HeartbeatInterval = time.Hour

	for i := 0; i < 10; i++ {
		b.Publish("t1", rec("line"))
	}

	sub := b.Subscribe(context.Background(), "t1", 3)
	defer sub.Unsubscribe()

	var got []uint64
	for i := 0; i < 3; i++ {
		select {
		case r := <-sub.Records:
			got = append(got, r.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay record")
		}
	}
	assert.Equal(t, []uint64{8, 9, 10}, got)
}

func TestPublish_SlowSubscriberDropsIndependently(t *testing.T) {
	b := New()
	b.SubscriberBuffer = 4
	b.HeartbeatInterval = time.Hour

	slow := b.Subscribe(context.Background(), "t1", 0)
	defer slow.Unsubscribe()
	fast := b.Subscribe(context.Background(), "t1", 0)
	defer fast.Unsubscribe()

	// The fast subscriber drains concurrently as records are published,
	// so it never overflows; the slow one does not read until the end.
	fastCount := 0
	var lastSeq uint64
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for i := 0; i < 20; i++ {
			select {
			case r := <-fast.Records:
				assert.Greater(t, r.Seq, lastSeq)
				lastSeq = r.Seq
				fastCount++
			case <-time.After(time.Second):
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		b.Publish("t1", rec("line"))
		time.Sleep(time.Millisecond)
	}
	<-drainDone
	assert.Equal(t, 20, fastCount)

	// The slow subscriber's buffer overflowed; it dropped some records
	// but whatever remains must still be strictly increasing.
	assert.Greater(t, slow.Dropped(), uint64(0))
	var prev uint64
	for {
		select {
		case r := <-slow.Records:
			assert.Greater(t, r.Seq, prev)
			prev = r.Seq
		default:
			return
		}
	}
}

func TestClose_DeliversTerminalRecordAndClosesChannel(t *testing.T) {
	b := New()
	b.HeartbeatInterval = time.Hour
	b.GracePeriod = time.Millisecond

	sub := b.Subscribe(context.Background(), "t1", 0)
	b.Publish("t1", rec("line"))
	b.Close("t1", "completed")

	var last models.LogRecord
	for r := range sub.Records {
		last = r
	}
	assert.Equal(t, "completed:completed", last.Text)
}

func TestSubscribe_HeartbeatDelivered(t *testing.T) {
	b := New()
	b.HeartbeatInterval = 10 * time.Millisecond

	sub := b.Subscribe(context.Background(), "t1", 0)
	defer sub.Unsubscribe()

	select {
	case r := <-sub.Records:
		assert.Equal(t, "heartbeat", r.Source)
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat record")
	}
}

func TestUnsubscribe_DoesNotAffectOtherSubscribers(t *testing.T) {
	b := New()
	b.HeartbeatInterval = time.Hour

	a := b.Subscribe(context.Background(), "t1", 0)
	c := b.Subscribe(context.Background(), "t1", 0)

	a.Unsubscribe()
	b.Publish("t1", rec("line"))

	require.Eventually(t, func() bool {
		select {
		case <-c.Records:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
