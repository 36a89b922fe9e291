// aac-print-cmds prints which commands the simulated firmware supports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	"github.com/c35s/aac/sim"
)

func main() {
	ctx := context.Background()

	a, err := comm.New(comm.Config{
		Hardware: sim.New(sim.Config{}),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	if err != nil {
		panic(err)
	}

	if err := a.Start(ctx); err != nil {
		panic(err)
	}

	defer a.Close(ctx)

	status, props, err := a.SyncCommand(ctx, comm.SyncGetAdapterProperties, [4]uint32{})
	if err != nil {
		panic(err)
	}

	fmt.Printf("adapter properties: %#x (status %#x)\n", props, status)

	fmt.Println("\n# commands")
	for _, cmd := range fib.AllCommands() {
		if cmd == fib.HostShutdown || cmd == fib.AifRequest || cmd == fib.DriverNotify {
			continue
		}

		msg, err := a.Call(ctx, cmd, make([]byte, 4), comm.SendOptions{})
		if err != nil {
			panic(err)
		}

		fmt.Printf("%v: %v\n", cmd, msg.Status() != fib.StNotSupp)
	}
}
