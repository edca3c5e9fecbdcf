package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pulsekit/pulse/pkg/config"
	"github.com/pulsekit/pulse/pkg/event"
	"github.com/pulsekit/pulse/pkg/lifecycle"
	"github.com/pulsekit/pulse/pkg/transport"
)

var (
	collectorAddr  string
	collectorEvery time.Duration
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run a development collector",
	Long: `Run a loopback collector speaking the Pulse wire protocol.

The collector decodes incoming envelopes, acks them, and keeps
counters. It stores nothing. Point a client (or "pulse emit") at it
for local development and integration tests.

Examples:
  pulse collector                      # listen on the configured endpoint
  pulse collector --addr :9000         # custom port
  pulse collector -v                   # print every received batch`,
	RunE: runCollector,
}

func init() {
	cfg := config.Global().Get()

	collectorCmd.Flags().StringVar(&collectorAddr, "addr", cfg.Endpoint, "Address to listen on")
	collectorCmd.Flags().DurationVar(&collectorEvery, "report-every", 10*time.Second, "Interval between counter reports")

	rootCmd.AddCommand(collectorCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	collector := transport.NewCollector()
	if verbose {
		collector.OnEvents = printBatch
		collector.OnError = func(err error) {
			fmt.Printf("  protocol error: %v\n", err)
		}
	}

	addr, err := collector.Listen(collectorAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", collectorAddr, err)
	}
	defer collector.Close()

	fmt.Println()
	fmt.Println("  ╭─────────────────────────────────────╮")
	fmt.Println("  │          PULSE COLLECTOR            │")
	fmt.Println("  ├─────────────────────────────────────┤")
	fmt.Printf("  │  Listening on %-21s │\n", addr)
	fmt.Println("  │                                     │")
	fmt.Println("  │  Press Ctrl+C to stop               │")
	fmt.Println("  ╰─────────────────────────────────────╯")
	fmt.Println()

	return lifecycle.RunWithSignalHandling(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return collector.Serve(gctx)
		})
		g.Go(func() error {
			ticker := time.NewTicker(collectorEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					fmt.Printf("  %s  envelopes=%d events=%d\n",
						time.Now().Format("15:04:05"),
						collector.Envelopes(), collector.Received())
				}
			}
		})
		err := g.Wait()

		fmt.Println()
		fmt.Printf("  Total: %d envelopes, %d events\n", collector.Envelopes(), collector.Received())
		return err
	})
}

// printBatch logs one decoded batch in verbose mode.
func printBatch(events []event.Event) {
	fmt.Printf("  %s  batch of %d\n", time.Now().Format("15:04:05"), len(events))
	for _, ev := range events {
		fmt.Printf("    %-22s session=%s\n", ev.Type, shortID(ev.SessionID))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
