// aacctl talks to aacd.
//
//	aacctl [-addr unix:/run/aacd.sock | -addr vsock:CID:PORT] <command> [args]
//
// Commands:
//
//	rev                     print protocol and firmware revisions
//	info                    print adapter info
//	send [-high] [-post] CMD [HEXPAYLOAD]
//	watch                   print events as they arrive
//	journal [-n N]          print recorded events
//	class NAME CODE [ARG]   send a control request to an event class
//	bundle [-o FILE]        save a diagnostic bundle
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/ctl"
	"github.com/c35s/aac/diag"
	"github.com/c35s/aac/fib"
	"github.com/mdlayher/vsock"
	"golang.org/x/term"
)

func main() {
	addr := flag.String("addr", "unix:/run/aacd.sock", "connect to unix:PATH or vsock:CID:PORT")
	timeout := flag.Duration("timeout", 30*time.Second, "give up on a request after this long")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: aacctl [flags] rev|info|send|watch|journal|class|bundle [args]\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := dial(*addr)
	if err != nil {
		fatal(err)
	}

	c := ctl.NewClient(conn)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := c.CheckRevision(ctx); err != nil {
		fatal(err)
	}

	args := flag.Args()[1:]

	switch cmd := flag.Arg(0); cmd {
	case "rev":
		err = rev(ctx, c, *timeout)

	case "info":
		err = info(ctx, c, *timeout)

	case "send":
		err = send(ctx, c, *timeout, args)

	case "watch":
		err = watch(ctx, c)

	case "journal":
		err = printJournal(ctx, c, *timeout, args)

	case "class":
		err = class(ctx, c, *timeout, args)

	case "bundle":
		err = bundle(ctx, c, *timeout, args)

	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "aacctl: %v\n", err)
	os.Exit(1)
}

func dial(addr string) (net.Conn, error) {
	network, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("bad address %q", addr)
	}

	switch network {
	case "unix":
		return net.Dial("unix", rest)

	case "vsock":
		cid, port, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("bad vsock address %q", rest)
		}

		c, err := strconv.ParseUint(cid, 0, 32)
		if err != nil {
			return nil, err
		}

		p, err := strconv.ParseUint(port, 0, 32)
		if err != nil {
			return nil, err
		}

		return vsock.Dial(uint32(c), uint32(p), nil)

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// reply sends cmd and fails unless the firmware answers ST_OK. It returns the
// reply data after the status word.
func reply(ctx context.Context, c *ctl.Client, timeout time.Duration, cmd fib.Command, payload []byte, prio comm.Priority) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.Send(ctx, cmd, payload, prio)
	if err != nil {
		return nil, err
	}

	if msg.Flags()&fib.FlagFastResponse != 0 {
		return nil, nil
	}

	if st := msg.Status(); st != fib.StOK {
		return nil, fmt.Errorf("%v: %v", cmd, st)
	}

	return msg.Payload()[4:], nil
}

func rev(ctx context.Context, c *ctl.Client, timeout time.Duration) error {
	proto, err := c.CheckRevision(ctx)
	if err != nil {
		return err
	}

	data, err := reply(ctx, c, timeout, fib.CheckRevision, nil, comm.NormalPriority)
	if err != nil {
		return err
	}

	if len(data) < 4 {
		return fmt.Errorf("short revision reply")
	}

	fw := binary.LittleEndian.Uint32(data)
	fmt.Printf("protocol %d.%d\nfirmware %d.%d\n", proto>>16, proto&0xffff, fw>>16, fw&0xffff)
	return nil
}

func info(ctx context.Context, c *ctl.Client, timeout time.Duration) error {
	data, err := reply(ctx, c, timeout, fib.RequestAdapterInfo, nil, comm.NormalPriority)
	if err != nil {
		return err
	}

	ai, err := fib.ParseAdapterInfo(data)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "kernel\t%#x\n", ai.KernelRevision)
	fmt.Fprintf(tw, "monitor\t%#x\n", ai.MonitorRevision)
	fmt.Fprintf(tw, "platform\t%d\n", ai.Platform)
	fmt.Fprintf(tw, "cpu\t%d\n", ai.CPU)
	fmt.Fprintf(tw, "memory\t%d MiB\n", ai.MemorySize)
	fmt.Fprintf(tw, "serial\t%d\n", ai.Serial)
	fmt.Fprintf(tw, "options\t%#x\n", ai.Options)
	return tw.Flush()
}

func send(ctx context.Context, c *ctl.Client, timeout time.Duration, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	high := fs.Bool("high", false, "send at high priority")
	post := fs.Bool("post", false, "don't wait for a response")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("send: no command")
	}

	cmd, err := strconv.ParseUint(fs.Arg(0), 0, 16)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var payload []byte
	if fs.NArg() > 1 {
		if payload, err = hex.DecodeString(fs.Arg(1)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	prio := comm.NormalPriority
	if *high {
		prio = comm.HighPriority
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if *post {
		return c.Post(ctx, fib.Command(cmd), payload, prio)
	}

	msg, err := c.Send(ctx, fib.Command(cmd), payload, prio)
	if err != nil {
		return err
	}

	fmt.Printf("%v %v\n", fib.Command(cmd), msg.Status())
	fmt.Print(hex.Dump(msg.Payload()))
	return nil
}

func watch(ctx context.Context, c *ctl.Client) error {
	id, err := c.OpenEvents(ctx)
	if err != nil {
		return err
	}

	width := 80
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}

	for {
		msg, err := c.PollEvent(ctx, id, true)
		if errors.Is(err, comm.ErrNoEvent) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		fmt.Println(eventLine(time.Now(), msg.Command(), msg.Payload(), width))
	}
}

// eventLine formats an event on one line of at most width columns.
func eventLine(t time.Time, cmd fib.Command, payload []byte, width int) string {
	line := fmt.Sprintf("%s %v %x", t.Format("15:04:05.000"), cmd, payload)
	if len(line) > width && width > 3 {
		line = line[:width-3] + "..."
	}

	return line
}

func printJournal(ctx context.Context, c *ctl.Client, timeout time.Duration, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	n := fs.Int("n", 20, "print the newest N events")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries, err := c.Journal(ctx, *n)
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%6d %s\n", e.Seq, eventLine(e.Time, e.Command, e.Payload, 1<<16))
	}

	return nil
}

func class(ctx context.Context, c *ctl.Client, timeout time.Duration, args []string) error {
	if len(args) < 2 {
		return errors.New("class: want NAME CODE [ARG]")
	}

	code, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("class: %w", err)
	}

	var arg []byte
	if len(args) > 2 {
		arg = []byte(args[2])
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.ClassControl(ctx, args[0], uint32(code), arg)
	if err != nil {
		return err
	}

	os.Stdout.Write(out)
	return nil
}

func bundle(ctx context.Context, c *ctl.Client, timeout time.Duration, args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	out := fs.String("o", "", "write the bundle to FILE instead of listing it")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := c.DiagBundle(ctx)
	if err != nil {
		return err
	}

	files, err := diag.ReadBundle(bytes.NewReader(b))
	if err != nil {
		return err
	}

	if *out != "" {
		return os.WriteFile(*out, b, 0644)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		fmt.Printf("%8d %s\n", len(files[name]), name)
	}

	return nil
}
