package comm_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/sim"
)

func waitAck(t *testing.T, fw *sim.Firmware) sim.Ack {
	t.Helper()

	select {
	case a := <-fw.Acks():
		return a

	case <-time.After(5 * time.Second):
		t.Fatal("no ack")
		panic("unreachable")
	}
}

func post(t *testing.T, fw *sim.Firmware, cmd fib.Command, payload string) uint32 {
	t.Helper()

	addr, err := fw.PostEvent(cmd, []byte(payload), false)
	if err != nil {
		t.Fatal(err)
	}

	return addr
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	a, fw := newAdapter(t, sim.Config{}, comm.Config{})

	const nsub = 3

	var subs []*comm.Subscription
	for i := 0; i < nsub; i++ {
		s, err := a.Subscribe()
		if err != nil {
			t.Fatal(err)
		}

		subs = append(subs, s)
	}

	for i, payload := range []string{"first", "second"} {
		addr := post(t, fw, fib.AifRequest, payload)

		ack := waitAck(t, fw)
		if ack.Addr != addr || ack.Status != fib.StOK || ack.Command != fib.AifRequest {
			t.Errorf("event %d: ack %+v", i, ack)
		}
	}

	var first []fib.View
	for i, s := range subs {
		for _, want := range []string{"first", "second"} {
			msg, err := s.Poll(ctx, false)
			if err != nil {
				t.Fatalf("subscriber %d: %v", i, err)
			}

			if got := string(msg.Payload()); got != want {
				t.Errorf("subscriber %d: got %q, want %q", i, got, want)
			}

			if want == "first" {
				first = append(first, msg)
			}
		}

		if _, err := s.Poll(ctx, false); !errors.Is(err, comm.ErrNoEvent) {
			t.Errorf("subscriber %d: third poll: %v", i, err)
		}
	}

	// every subscriber got its own copy
	first[0].Payload()[0] = 'X'
	for i, msg := range first[1:] {
		if msg.Payload()[0] != 'f' {
			t.Errorf("subscriber %d shares a copy", i+1)
		}
	}

	if s := a.Stats(); s.Events != 2 || s.Broadcasts != 2 {
		t.Errorf("stats %+v", s)
	}
}

func TestPollBlocking(t *testing.T) {
	a, fw := newAdapter(t, sim.Config{}, comm.Config{})

	s, _ := a.Subscribe()

	msgC := make(chan fib.View, 1)
	go func() {
		msg, err := s.Poll(context.Background(), true)
		if err != nil {
			t.Error(err)
		}

		msgC <- msg
	}()

	post(t, fw, fib.AifRequest, "wake")

	select {
	case msg := <-msgC:
		if string(msg.Payload()) != "wake" {
			t.Errorf("payload %q", msg.Payload())
		}

	case <-time.After(5 * time.Second):
		t.Fatal("poll never returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Poll(ctx, true); !errors.Is(err, comm.ErrNoEvent) {
		t.Errorf("poll with expired context: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	a, fw := newAdapter(t, sim.Config{}, comm.Config{})

	s, _ := a.Subscribe()
	errC := make(chan error, 1)

	go func() {
		_, err := s.Poll(context.Background(), true)
		errC <- err
	}()

	if err := a.Unsubscribe(s.ID()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if !errors.Is(err, comm.ErrClosed) {
			t.Errorf("poll: %v", err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("poll never returned")
	}

	if err := a.Unsubscribe(s.ID()); !errors.Is(err, comm.ErrNotFound) {
		t.Errorf("second unsubscribe: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("close after unsubscribe: %v", err)
	}

	// events still get acked with nobody listening
	post(t, fw, fib.AifRequest, "nobody")
	if ack := waitAck(t, fw); ack.Status != fib.StOK {
		t.Errorf("ack %+v", ack)
	}
}

func TestBacklog(t *testing.T) {
	ctx := context.Background()

	t.Run("drop oldest", func(t *testing.T) {
		a, fw := newAdapter(t, sim.Config{}, comm.Config{MaxPendingEvents: 2})
		s, _ := a.Subscribe()

		for i := 0; i < 3; i++ {
			post(t, fw, fib.AifRequest, fmt.Sprint(i))
			waitAck(t, fw)
		}

		for _, want := range []string{"1", "2"} {
			msg, err := s.Poll(ctx, false)
			if err != nil {
				t.Fatal(err)
			}

			if string(msg.Payload()) != want {
				t.Errorf("got %q, want %q", msg.Payload(), want)
			}
		}

		if n := s.Dropped(); n != 1 {
			t.Errorf("dropped %d != 1", n)
		}
	})

	t.Run("idle subscriber", func(t *testing.T) {
		a, fw := newAdapter(t, sim.Config{}, comm.Config{
			MaxPendingEvents: 1,
			SubscriberIdle:   time.Millisecond,
		})

		s, _ := a.Subscribe()

		post(t, fw, fib.AifRequest, "kept")
		waitAck(t, fw)

		time.Sleep(5 * time.Millisecond)

		post(t, fw, fib.AifRequest, "overflow")
		waitAck(t, fw)

		if _, err := a.Subscription(s.ID()); !errors.Is(err, comm.ErrNotFound) {
			t.Errorf("idle subscription still registered: %v", err)
		}

		if _, err := s.Poll(ctx, false); !errors.Is(err, comm.ErrClosed) {
			t.Errorf("poll: %v", err)
		}
	})
}

type testClass struct {
	name string

	mu     sync.Mutex
	opened bool
	closed bool
	events []string
}

func (c *testClass) Name() string {
	return c.name
}

func (c *testClass) Open(*comm.Adapter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

func (c *testClass) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testClass) Control(code uint32, arg []byte) ([]byte, error) {
	if code != 1 {
		return nil, errors.New("bad code")
	}

	return append([]byte(c.name+":"), arg...), nil
}

// HandleEvent claims events whose payload starts with the class name.
func (c *testClass) HandleEvent(e *comm.Event) bool {
	p := string(e.Msg.Payload())
	if len(p) < len(c.name) || p[:len(c.name)] != c.name {
		return false
	}

	c.mu.Lock()
	c.events = append(c.events, p)
	c.mu.Unlock()

	if err := e.Complete(fib.StOK, []byte("claimed")); err != nil {
		panic(err)
	}

	return true
}

func TestClasses(t *testing.T) {
	ctx := context.Background()
	a, fw := newAdapter(t, sim.Config{}, comm.Config{})

	disk := &testClass{name: "disk"}
	if err := a.RegisterClass(disk); err != nil {
		t.Fatal(err)
	}

	if err := a.RegisterClass(&testClass{name: "disk"}); !errors.Is(err, comm.ErrUsage) {
		t.Errorf("duplicate register: %v", err)
	}

	if !disk.opened {
		t.Error("class not opened")
	}

	sub, _ := a.Subscribe()

	post(t, fw, fib.DriverNotify, "disk 0 online")
	ack := waitAck(t, fw)

	if ack.Status != fib.StOK || string(ack.Reply) != "claimed" {
		t.Errorf("claimed ack %+v", ack)
	}

	post(t, fw, fib.DriverNotify, "tape 3 offline")
	ack = waitAck(t, fw)

	if ack.Status != fib.StOK || len(ack.Reply) != 0 {
		t.Errorf("unclaimed ack %+v", ack)
	}

	if _, err := sub.Poll(ctx, false); !errors.Is(err, comm.ErrNoEvent) {
		t.Errorf("driver notify reached a subscriber: %v", err)
	}

	if len(disk.events) != 1 || disk.events[0] != "disk 0 online" {
		t.Errorf("events %q", disk.events)
	}

	reply, err := a.ClassControl("disk", 1, []byte("ping"))
	if err != nil || string(reply) != "disk:ping" {
		t.Errorf("control: %q, %v", reply, err)
	}

	if _, err := a.ClassControl("tape", 1, nil); !errors.Is(err, comm.ErrNotFound) {
		t.Errorf("control of a missing class: %v", err)
	}

	raid := &testClass{name: "raid"}
	a.RegisterClass(raid)

	if err := a.UnregisterClass("disk"); err != nil {
		t.Fatal(err)
	}

	if !disk.closed {
		t.Error("unregistered class not closed")
	}

	if names := a.ClassNames(); len(names) != 1 || names[0] != "raid" {
		t.Errorf("classes %q", names)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if !raid.closed {
		t.Error("class not closed with the adapter")
	}
}
