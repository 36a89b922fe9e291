package comm_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/sim"
	"github.com/google/go-cmp/cmp"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newAdapter(t *testing.T, scfg sim.Config, cfg comm.Config) (*comm.Adapter, *sim.Firmware) {
	t.Helper()

	fw := sim.New(scfg)
	cfg.Hardware = fw

	if cfg.Logger == nil {
		cfg.Logger = quiet
	}

	a, err := comm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		fw.Resume()
		a.Close(context.Background())
	})

	return a, fw
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	t.Run("no hardware", func(t *testing.T) {
		if _, err := comm.New(comm.Config{}); !errors.Is(err, comm.ErrConfig) {
			t.Errorf("err %v != ErrConfig", err)
		}
	})

	t.Run("bad layout", func(t *testing.T) {
		l := comm.DefaultLayout
		l.Entries[comm.AdapNormCmd] = 1

		_, err := comm.New(comm.Config{Hardware: sim.New(sim.Config{}), Layout: l})
		if !errors.Is(err, comm.ErrConfig) {
			t.Errorf("err %v != ErrConfig", err)
		}
	})

	t.Run("start twice", func(t *testing.T) {
		a, _ := newAdapter(t, sim.Config{}, comm.Config{})
		if err := a.Start(context.Background()); !errors.Is(err, comm.ErrUsage) {
			t.Errorf("err %v != ErrUsage", err)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, sim.Config{}, comm.Config{})

	c, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	h := c.Handle()
	n := copy(c.Payload(), "hello")

	res, err := a.Send(ctx, c, fib.TestCommandResponse, n, comm.SendOptions{Wait: true, ResponseExpected: true})
	if err != nil {
		t.Fatal(err)
	}

	if res != comm.Completed {
		t.Errorf("result %v != Completed", res)
	}

	v := c.View()
	if v.SenderHandle() != uint32(h) || v.SenderData() != uint32(h) {
		t.Errorf("sender handle %#x, data %#x != %#x", v.SenderHandle(), v.SenderData(), uint32(h))
	}

	if x := v.XferState(); !x.Has(fib.HostOwned|fib.AdapterProcessed|fib.SentFromHost) || x.Has(fib.AdapterOwned) {
		t.Errorf("xfer state %v", x)
	}

	if v.Status() != fib.StOK {
		t.Errorf("status %v != ST_OK", v.Status())
	}

	if got := string(v.Payload()[4:]); got != "hello" {
		t.Errorf("reply %q != %q", got, "hello")
	}

	a.Complete(c)

	s := a.Snapshot()
	if s.Pool.InUse != 0 || s.Pool.Free != s.Pool.Total {
		t.Errorf("pool %+v", s.Pool)
	}

	if s.Stats.Sent != 1 || s.Stats.Completed != 1 {
		t.Errorf("stats %+v", s.Stats)
	}
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	info := fib.AdapterInfo{KernelRevision: 7, Serial: 0xc0ffee}
	a, _ := newAdapter(t, sim.Config{Info: info}, comm.Config{})

	reply, err := a.Call(ctx, fib.RequestAdapterInfo, nil, comm.SendOptions{Priority: comm.HighPriority})
	if err != nil {
		t.Fatal(err)
	}

	if reply.Status() != fib.StOK {
		t.Fatalf("status %v", reply.Status())
	}

	got, err := fib.ParseAdapterInfo(reply.Payload()[4:])
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("info (-want +got):\n%s", diff)
	}

	reply, err = a.Call(ctx, fib.ContainerCommand, nil, comm.SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if reply.Status() != fib.StNotSupp {
		t.Errorf("status %v != ST_NOTSUPP", reply.Status())
	}

	if s := a.Snapshot().Pool; s.InUse != 0 {
		t.Errorf("%d contexts still in use", s.InUse)
	}

	if _, err := a.Call(ctx, fib.TestCommandResponse, make([]byte, fib.PayloadSize+1), comm.SendOptions{}); !errors.Is(err, comm.ErrUsage) {
		t.Errorf("oversized call: %v", err)
	}
}

func TestFastResponse(t *testing.T) {
	a, _ := newAdapter(t, sim.Config{FastResponse: true}, comm.Config{})

	reply, err := a.Call(context.Background(), fib.TestCommandResponse, nil, comm.SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if reply.Flags()&fib.FlagFastResponse == 0 {
		t.Error("not a fast response")
	}

	if reply.Status() != fib.StOK || !reply.XferState().Has(fib.AdapterProcessed) {
		t.Errorf("status %v, xfer state %v", reply.Status(), reply.XferState())
	}

	if n := a.Stats().FastResponses; n != 1 {
		t.Errorf("fast responses %d != 1", n)
	}
}

func TestFireAndForget(t *testing.T) {
	a, _ := newAdapter(t, sim.Config{}, comm.Config{})

	c, _ := a.Alloc()
	res, err := a.Send(context.Background(), c, fib.SendHostTime, 4, comm.SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if res != comm.Pending {
		t.Errorf("result %v != Pending", res)
	}

	eventually(t, "completion", func() bool {
		s := a.Snapshot()
		return s.Stats.Completed == 1 && s.Pool.InUse == 0
	})
}

func TestAsync(t *testing.T) {
	a, _ := newAdapter(t, sim.Config{}, comm.Config{})

	var (
		doneC  = make(chan error, 1)
		status fib.Status
	)

	c, _ := a.Alloc()
	n := copy(c.Payload(), "ping")

	res, err := a.Send(context.Background(), c, fib.TestCommandResponse, n, comm.SendOptions{
		ResponseExpected: true,
		Callback: func(c *comm.Context, err error) {
			status = c.View().Status()
			a.Complete(c)
			doneC <- err
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	if res != comm.Pending {
		t.Errorf("result %v != Pending", res)
	}

	select {
	case err := <-doneC:
		if err != nil {
			t.Fatal(err)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("no callback")
	}

	if status != fib.StOK {
		t.Errorf("status %v != ST_OK", status)
	}
}

func TestSendUsage(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t, sim.Config{}, comm.Config{})

	cb := func(*comm.Context, error) {}

	tests := []struct {
		name string
		size int
		opts comm.SendOptions
	}{
		{"wait without response", 0, comm.SendOptions{Wait: true}},
		{"async without callback", 0, comm.SendOptions{ResponseExpected: true}},
		{"oversized", fib.PayloadSize + 1, comm.SendOptions{Callback: cb}},
		{"negative size", -1, comm.SendOptions{}},
		{"bad priority", 0, comm.SendOptions{Priority: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := a.Alloc()
			before := c.View().Header()

			if _, err := a.Send(ctx, c, fib.TestCommandResponse, tt.size, tt.opts); !errors.Is(err, comm.ErrUsage) {
				t.Errorf("err %v != ErrUsage", err)
			}

			if diff := cmp.Diff(before, c.View().Header()); diff != "" {
				t.Errorf("header changed (-before +after):\n%s", diff)
			}

			a.Complete(c)
		})
	}

	t.Run("already sent", func(t *testing.T) {
		c, _ := a.Alloc()
		opts := comm.SendOptions{Wait: true, ResponseExpected: true}

		if _, err := a.Send(ctx, c, fib.TestCommandResponse, 0, opts); err != nil {
			t.Fatal(err)
		}

		if _, err := a.Send(ctx, c, fib.TestCommandResponse, 0, opts); !errors.Is(err, comm.ErrUsage) {
			t.Errorf("err %v != ErrUsage", err)
		}

		a.Complete(c)
	})

	if s := a.Snapshot().Pool; s.InUse != 0 {
		t.Errorf("%d contexts still in use", s.InUse)
	}
}

func TestComplete(t *testing.T) {
	a, _ := newAdapter(t, sim.Config{}, comm.Config{})

	t.Run("never sent", func(t *testing.T) {
		c, _ := a.Alloc()
		a.Complete(c)
	})

	t.Run("not processed", func(t *testing.T) {
		c, _ := a.Alloc()
		c.View().SetFlags(fib.SentFromHost)

		defer func() {
			r := recover()
			if err, ok := r.(error); !ok || !errors.Is(err, comm.ErrProtocol) {
				t.Errorf("panic %v is not ErrProtocol", r)
			}
		}()

		a.Complete(c)
		t.Fatal("unreachable")
	})
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("stale completion", func(t *testing.T) {
		a, fw := newAdapter(t, sim.Config{}, comm.Config{})
		fw.Hold(fib.TestAdapterCommand)

		c, _ := a.Alloc()
		stale := c.Handle()

		_, err := a.Send(ctx, c, fib.TestAdapterCommand, 0, comm.SendOptions{
			Wait:             true,
			ResponseExpected: true,
			Timeout:          20 * time.Millisecond,
		})

		if !errors.Is(err, comm.ErrTimeout) {
			t.Fatalf("err %v != ErrTimeout", err)
		}

		if !c.TimedOut() {
			t.Error("context not flagged")
		}

		a.Complete(c)

		if s := a.Snapshot().Pool; s.TimedOut != 1 {
			t.Fatalf("pool %+v", s)
		}

		// a context allocated meanwhile must survive the late completion
		canary := bytes.Repeat([]byte{0xa5}, 64)
		d, _ := a.Alloc()
		if d.Handle() == stale {
			t.Fatal("timed-out context reused")
		}

		copy(d.Payload(), canary)

		if err := fw.Resume(); err != nil {
			t.Fatal(err)
		}

		eventually(t, "stale completion", func() bool {
			s := a.Snapshot()
			return s.Stats.Stale == 1 && s.Pool.TimedOut == 0
		})

		if !bytes.Equal(d.Payload()[:64], canary) {
			t.Error("canary overwritten")
		}

		a.Complete(d)

		s := a.Snapshot()
		if s.Stats.Timeouts != 1 || s.Stats.Completed != 0 {
			t.Errorf("stats %+v", s.Stats)
		}

		if s.Pool.Free != s.Pool.Total {
			t.Errorf("pool %+v", s.Pool)
		}
	})

	t.Run("async", func(t *testing.T) {
		a, fw := newAdapter(t, sim.Config{}, comm.Config{})
		fw.Hold(fib.TestAdapterCommand)

		errC := make(chan error, 1)
		c, _ := a.Alloc()

		_, err := a.Send(ctx, c, fib.TestAdapterCommand, 0, comm.SendOptions{
			ResponseExpected: true,
			Timeout:          20 * time.Millisecond,
			Callback: func(c *comm.Context, err error) {
				a.Complete(c)
				errC <- err
			},
		})

		if err != nil {
			t.Fatal(err)
		}

		select {
		case err := <-errC:
			if !errors.Is(err, comm.ErrTimeout) {
				t.Fatalf("callback err %v != ErrTimeout", err)
			}

		case <-time.After(5 * time.Second):
			t.Fatal("no callback")
		}

		fw.Resume()

		eventually(t, "stale completion", func() bool {
			return a.Snapshot().Pool.TimedOut == 0
		})

		select {
		case err := <-errC:
			t.Errorf("second callback: %v", err)

		default:
		}
	})

	t.Run("context", func(t *testing.T) {
		a, fw := newAdapter(t, sim.Config{}, comm.Config{})
		fw.Hold(fib.TestAdapterCommand)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := a.Call(cctx, fib.TestAdapterCommand, nil, comm.SendOptions{})
		if !errors.Is(err, comm.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err %v", err)
		}
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	a, fw := newAdapter(t, sim.Config{}, comm.Config{})
	fw.Hold(fib.TestAdapterCommand)

	errC := make(chan error, 1)
	c, _ := a.Alloc()

	_, err := a.Send(ctx, c, fib.TestAdapterCommand, 0, comm.SendOptions{
		ResponseExpected: true,
		Timeout:          -1,
		Callback: func(c *comm.Context, err error) {
			a.Complete(c)
			errC <- err
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	eventually(t, "parked command", func() bool { return fw.Parked() == 1 })

	sub, _ := a.Subscribe()

	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errC:
		if !errors.Is(err, comm.ErrClosed) {
			t.Errorf("callback err %v != ErrClosed", err)
		}

	default:
		t.Fatal("outstanding send not aborted")
	}

	if _, err := sub.Poll(ctx, true); !errors.Is(err, comm.ErrClosed) {
		t.Errorf("poll after close: %v", err)
	}

	if _, err := a.Alloc(); !errors.Is(err, comm.ErrClosed) {
		t.Errorf("alloc after close: %v", err)
	}

	if _, err := a.Subscribe(); !errors.Is(err, comm.ErrClosed) {
		t.Errorf("subscribe after close: %v", err)
	}

	if err := a.Close(ctx); !errors.Is(err, comm.ErrClosed) {
		t.Errorf("second close: %v", err)
	}
}

func TestConcurrentClose(t *testing.T) {
	var shutdowns atomic.Int32

	def := sim.DefaultHandler(fib.AdapterInfo{})
	handler := func(cmd fib.Command, payload []byte) (fib.Status, []byte) {
		if cmd == fib.HostShutdown {
			shutdowns.Add(1)
		}

		return def(cmd, payload)
	}

	a, _ := newAdapter(t, sim.Config{Handler: handler}, comm.Config{})

	const n = 4

	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = a.Close(context.Background())
		}()
	}

	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++

		case !errors.Is(err, comm.ErrClosed):
			t.Errorf("close: %v", err)
		}
	}

	if ok != 1 {
		t.Errorf("%d closes succeeded, want 1", ok)
	}

	if n := shutdowns.Load(); n != 1 {
		t.Errorf("%d shutdown messages, want 1", n)
	}
}

func TestSyncCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("properties", func(t *testing.T) {
		a, _ := newAdapter(t, sim.Config{FastResponse: true}, comm.Config{})

		status, ret, err := a.SyncCommand(ctx, comm.SyncGetAdapterProperties, [4]uint32{})
		if err != nil {
			t.Fatal(err)
		}

		if status != comm.SyncStatusOK || ret&1 == 0 {
			t.Errorf("status %#x ret %#x", status, ret)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		a, _ := newAdapter(t, sim.Config{}, comm.Config{})

		status, _, err := a.SyncCommand(ctx, comm.SyncCmd(0x77), [4]uint32{})
		if err != nil {
			t.Fatal(err)
		}

		if status == comm.SyncStatusOK {
			t.Error("unknown command succeeded")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		a, err := comm.New(comm.Config{
			Hardware:    sim.New(sim.Config{SyncDelay: time.Second}),
			SyncTimeout: 20 * time.Millisecond,
			Logger:      quiet,
		})

		if err != nil {
			t.Fatal(err)
		}

		err = a.Start(ctx)
		if !errors.Is(err, comm.ErrInit) || !errors.Is(err, comm.ErrSyncTimeout) {
			t.Errorf("start: %v", err)
		}
	})
}

func TestConcurrentCalls(t *testing.T) {
	l := comm.DefaultLayout
	l.Entries[comm.AdapNormCmd] = 4
	l.Entries[comm.HostNormResp] = 4

	a, _ := newAdapter(t, sim.Config{}, comm.Config{Layout: l, SegmentSize: 4})

	const (
		workers = 8
		calls   = 50
	)

	var (
		wg   sync.WaitGroup
		errC = make(chan error, workers*calls)
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < calls; i++ {
				want := []byte{byte(w), byte(i)}

				reply, err := a.Call(context.Background(), fib.TestCommandResponse, want, comm.SendOptions{})
				if err != nil {
					errC <- err
					return
				}

				if got := reply.Payload()[4:]; !bytes.Equal(got, want) {
					errC <- errors.New("reply mismatch")
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errC)

	for err := range errC {
		t.Error(err)
	}

	s := a.Snapshot()
	if s.Stats.Completed != workers*calls {
		t.Errorf("completed %d != %d", s.Stats.Completed, workers*calls)
	}

	if s.Pool.InUse != 0 {
		t.Errorf("pool %+v", s.Pool)
	}
}
