//go:build linux

// aacd brings up an adapter and serves the management protocol on a unix
// socket and, optionally, a vsock port.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/ctl"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/journal"
	"github.com/c35s/aac/shm"
	"github.com/c35s/aac/sim"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type config struct {
	Socket      string `toml:"socket"`
	VsockPort   uint32 `toml:"vsock_port"`
	Journal     string `toml:"journal"`
	JournalKeep int    `toml:"journal_keep"`
	Debug       bool   `toml:"debug"`

	PollTimeout duration `toml:"poll_timeout"`
	CallTimeout duration `toml:"call_timeout"`

	Adapter struct {
		SegmentSize      int      `toml:"segment_size"`
		MaxContexts      int      `toml:"max_contexts"`
		Timeout          duration `toml:"timeout"`
		ThrottleLimit    int      `toml:"throttle_limit"`
		ThrottleWindow   duration `toml:"throttle_window"`
		ThrottleWait     duration `toml:"throttle_wait"`
		SyncTimeout      duration `toml:"sync_timeout"`
		MaxPendingEvents int      `toml:"max_pending_events"`
		SubscriberIdle   duration `toml:"subscriber_idle"`
		Entries          []int    `toml:"queue_entries"`
	} `toml:"adapter"`

	Sim struct {
		FastResponse bool     `toml:"fast_response"`
		SyncDelay    duration `toml:"sync_delay"`
		EventBuffers int      `toml:"event_buffers"`
		Serial       uint32   `toml:"serial"`
	} `toml:"sim"`
}

// duration is a time.Duration written as a string, e.g. "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// port is a vsock port flag.
type port uint32

func (p *port) String() string {
	return strconv.FormatUint(uint64(*p), 10)
}

func (p *port) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}

	*p = port(v)
	return nil
}

func main() {
	var vsockPort port
	flag.Var(&vsockPort, "vsock-port", "also serve on this vsock port if nonzero")

	var (
		cfgPath = flag.String("config", "", "load settings from a TOML file")
		socket  = flag.String("socket", "/run/aacd.sock", "serve on this unix socket")
		jpath   = flag.String("journal", "", "record events in this sqlite database")
		debug   = flag.Bool("debug", false, "log debug messages")
	)

	flag.Parse()

	var cfg config
	cfg.Socket = *socket
	cfg.JournalKeep = 10000

	if *cfgPath != "" {
		if _, err := toml.DecodeFile(*cfgPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "aacd: %v\n", err)
			os.Exit(2)
		}
	}

	// flags set on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.Socket = *socket

		case "vsock-port":
			cfg.VsockPort = uint32(vsockPort)

		case "journal":
			cfg.Journal = *jpath

		case "debug":
			cfg.Debug = *debug
		}
	})

	log := newLogger(cfg.Debug)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("aacd", "err", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	fw := sim.New(sim.Config{
		FastResponse: cfg.Sim.FastResponse,
		SyncDelay:    cfg.Sim.SyncDelay.Duration,
		EventBuffers: cfg.Sim.EventBuffers,
		Info: fib.AdapterInfo{
			KernelRevision: sim.FirmwareRevision,
			Serial:         cfg.Sim.Serial,
			Options:        fib.OptFastResponse | fib.OptHighPriority | fib.OptEvents,
		},
	})

	acfg := comm.Config{
		Hardware:         fw,
		SegmentSize:      cfg.Adapter.SegmentSize,
		MaxContexts:      cfg.Adapter.MaxContexts,
		Alloc:            shm.Alloc,
		Free:             shm.Free,
		Timeout:          cfg.Adapter.Timeout.Duration,
		ThrottleLimit:    cfg.Adapter.ThrottleLimit,
		ThrottleWindow:   cfg.Adapter.ThrottleWindow.Duration,
		ThrottleWait:     cfg.Adapter.ThrottleWait.Duration,
		SyncTimeout:      cfg.Adapter.SyncTimeout.Duration,
		MaxPendingEvents: cfg.Adapter.MaxPendingEvents,
		SubscriberIdle:   cfg.Adapter.SubscriberIdle.Duration,
		Logger:           log,
	}

	if n := len(cfg.Adapter.Entries); n != 0 {
		if n != comm.NumQueues {
			return fmt.Errorf("queue_entries has %d sizes, want %d", n, comm.NumQueues)
		}

		copy(acfg.Layout.Entries[:], cfg.Adapter.Entries)
	}

	a, err := comm.New(acfg)
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		return err
	}

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := a.Close(cctx); err != nil {
			log.Warn("adapter close", "err", err)
		}
	}()

	if err := greet(ctx, a, log); err != nil {
		return err
	}

	srv := &ctl.Server{
		Adapter:     a,
		PollTimeout: cfg.PollTimeout.Duration,
		CallTimeout: cfg.CallTimeout.Duration,
		Logger:      log,
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return err
		}

		defer j.Close()

		sub, err := a.Subscribe()
		if err != nil {
			return err
		}

		srv.Journal = j
		eg.Go(func() error {
			defer sub.Close()
			return j.Follow(ctx, sub, cfg.JournalKeep, log)
		})
	}

	os.Remove(cfg.Socket)
	ls := make([]net.Listener, 0, 2)

	ul, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return err
	}

	defer os.Remove(cfg.Socket)
	ls = append(ls, ul)

	if cfg.VsockPort != 0 {
		vl, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			ul.Close()
			return err
		}

		ls = append(ls, vl)
	}

	for _, l := range ls {
		l := l
		log.Info("serving", "addr", l.Addr())
		eg.Go(func() error { return srv.Serve(ctx, l) })
	}

	return eg.Wait()
}

// greet checks the firmware and tells it the time.
func greet(ctx context.Context, a *comm.Adapter, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := comm.SendOptions{Admission: comm.AdmitControl}

	msg, err := a.Call(ctx, fib.RequestAdapterInfo, nil, opts)
	if err != nil {
		return fmt.Errorf("adapter info: %w", err)
	}

	if st := msg.Status(); st != fib.StOK {
		return fmt.Errorf("adapter info: %v", st)
	}

	info, err := fib.ParseAdapterInfo(msg.Payload()[4:])
	if err != nil {
		return fmt.Errorf("adapter info: %w", err)
	}

	log.Info("adapter",
		"kernel", fmt.Sprintf("%#x", info.KernelRevision),
		"serial", info.Serial,
		"options", fmt.Sprintf("%#x", info.Options))

	now := binary.LittleEndian.AppendUint32(nil, uint32(time.Now().Unix()))
	if _, err := a.Call(ctx, fib.SendHostTime, now, opts); err != nil {
		return fmt.Errorf("host time: %w", err)
	}

	return nil
}
