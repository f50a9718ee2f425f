package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/omnifleet/robot-bridge/internal/frame"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection closed")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func encoderEnvelope(alias string) *frame.Envelope {
	return &frame.Envelope{
		Type:       frame.TypeEncoder,
		RobotAlias: alias,
		RobotIP:    "10.0.0.5",
		Timestamp:  1.0,
		Data:       []any{60.0, 60.0, 60.0},
	}
}

func TestBroadcast_FanOut(t *testing.T) {
	r := New(zap.NewNop())
	c1, c2, c3 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	r.AddClient("c1", c1)
	r.AddClient("c2", c2)
	r.AddClient("c3", c3)

	r.Subscribe("c1", "robot1", frame.TypeEncoder)
	r.Subscribe("c2", "robot1", frame.TypeEncoder)
	r.Subscribe("c3", "robot2", frame.TypeEncoder)

	r.Broadcast(encoderEnvelope("robot1"))

	if c1.count() != 1 || c2.count() != 1 {
		t.Errorf("expected exactly one send to each subscriber, got %d and %d", c1.count(), c2.count())
	}
	if c3.count() != 0 {
		t.Errorf("unsubscribed robot received %d sends", c3.count())
	}
}

func TestBroadcast_GlobalSubscription(t *testing.T) {
	r := New(zap.NewNop())
	c := &fakeSender{}
	r.AddClient("c", c)
	r.Subscribe("c", GlobalKey, frame.TypeEncoder)

	r.Broadcast(encoderEnvelope("robot1"))
	r.Broadcast(encoderEnvelope("robot2"))

	if c.count() != 2 {
		t.Errorf("global subscriber expected frames from every robot, got %d", c.count())
	}
}

func TestBroadcast_ExactlyOnceWhenBothMatch(t *testing.T) {
	r := New(zap.NewNop())
	c := &fakeSender{}
	r.AddClient("c", c)
	r.Subscribe("c", "robot1", frame.TypeEncoder)
	r.Subscribe("c", GlobalKey, frame.TypeEncoder)

	r.Broadcast(encoderEnvelope("robot1"))

	if c.count() != 1 {
		t.Errorf("expected exactly one delivery, got %d", c.count())
	}
}

func TestBroadcast_TypeFiltering(t *testing.T) {
	r := New(zap.NewNop())
	c := &fakeSender{}
	r.AddClient("c", c)
	r.Subscribe("c", "robot1", frame.TypeIMU)

	r.Broadcast(encoderEnvelope("robot1"))

	if c.count() != 0 {
		t.Errorf("wrong data type delivered: %d sends", c.count())
	}
}

func TestSubscribeUnsubscribe_RoundTrip(t *testing.T) {
	r := New(zap.NewNop())
	r.AddClient("c", &fakeSender{})

	r.Subscribe("c", "robot1", frame.TypeEncoder)
	if !r.HasSubscription("c", "robot1", frame.TypeEncoder) {
		t.Fatal("subscription not recorded")
	}

	// Double subscribe is a no-op; one unsubscribe fully removes it.
	r.Subscribe("c", "robot1", frame.TypeEncoder)
	if !r.Unsubscribe("c", "robot1", frame.TypeEncoder) {
		t.Fatal("expected unsubscribe to report prior subscription")
	}
	if r.HasSubscription("c", "robot1", frame.TypeEncoder) {
		t.Error("subscription survived unsubscribe")
	}

	if r.Unsubscribe("c", "robot1", frame.TypeEncoder) {
		t.Error("unsubscribe of absent pair should report false")
	}
}

func TestUnsubscribe_PrunesEmptyEntries(t *testing.T) {
	r := New(zap.NewNop())
	r.AddClient("c", &fakeSender{})
	r.Subscribe("c", "robot1", frame.TypeEncoder)
	r.Unsubscribe("c", "robot1", frame.TypeEncoder)

	r.mu.Lock()
	_, exists := r.subs["c"]
	r.mu.Unlock()
	if exists {
		t.Error("empty client entry not pruned")
	}
}

func TestBroadcast_FailedSendEvictsClient(t *testing.T) {
	r := New(zap.NewNop())
	dead := &fakeSender{fail: true}
	live := &fakeSender{}
	r.AddClient("dead", dead)
	r.AddClient("live", live)
	r.Subscribe("dead", "robot1", frame.TypeEncoder)
	r.Subscribe("live", "robot1", frame.TypeEncoder)

	r.Broadcast(encoderEnvelope("robot1"))

	if !r.HasClient("live") {
		t.Error("healthy client evicted")
	}
	if r.HasClient("dead") {
		t.Error("dead client not evicted")
	}
	if r.HasSubscription("dead", "robot1", frame.TypeEncoder) {
		t.Error("dead client subscriptions not cleaned up")
	}

	// Subsequent frames skip the evicted client entirely.
	r.Broadcast(encoderEnvelope("robot1"))
	if live.count() != 2 {
		t.Errorf("expected live client to keep receiving, got %d", live.count())
	}
}

func TestBroadcastAll_IgnoresSubscriptions(t *testing.T) {
	r := New(zap.NewNop())
	c1, c2 := &fakeSender{}, &fakeSender{}
	r.AddClient("c1", c1)
	r.AddClient("c2", c2)
	r.Subscribe("c1", "robot1", frame.TypeEncoder)

	r.BroadcastAll([]byte(`{"type":"available_robot_update"}`))

	if c1.count() != 1 || c2.count() != 1 {
		t.Errorf("expected both clients to receive the event, got %d and %d", c1.count(), c2.count())
	}
}

func TestRemoveClient(t *testing.T) {
	r := New(zap.NewNop())
	c := &fakeSender{}
	r.AddClient("c", c)
	r.Subscribe("c", "robot1", frame.TypeEncoder)

	r.RemoveClient("c")

	r.Broadcast(encoderEnvelope("robot1"))
	if c.count() != 0 {
		t.Errorf("removed client still receiving: %d", c.count())
	}
}
