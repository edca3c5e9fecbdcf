package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pulse "github.com/pulsekit/pulse/pkg"
	"github.com/pulsekit/pulse/pkg/defaults/alerting"
	"github.com/pulsekit/pulse/pkg/transport"
	"github.com/pulsekit/pulse/pkg/tui"
)

var (
	emitCount    int
	emitRate     int
	emitEndpoint string
	emitStrategy string
	emitSample   float64
	emitSeed     int64
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Drive synthetic events through a real pipeline",
	Long: `Drive synthetic browsing traffic through a full Pulse pipeline
against a collector.

Without --endpoint an in-process collector is started, so a single
command exercises capture, throttling, batching, and the wire protocol
end to end.

Examples:
  pulse emit                             # 500 events against a local collector
  pulse emit --count 10000 --rate 200    # sustained load
  pulse emit --endpoint localhost:7070   # against a running collector
  pulse emit --strategy queue            # hold throttled events instead of dropping
  pulse emit --sample 0.5                # coin-flip half the events away`,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().IntVar(&emitCount, "count", 500, "Number of events to emit")
	emitCmd.Flags().IntVar(&emitRate, "rate", 50, "Target events per second (0 = unpaced)")
	emitCmd.Flags().StringVar(&emitEndpoint, "endpoint", "", "Collector address (empty = in-process collector)")
	emitCmd.Flags().StringVar(&emitStrategy, "strategy", "drop", "Throttle strategy (drop, queue, sample)")
	emitCmd.Flags().Float64Var(&emitSample, "sample", 1.0, "Sampling rate in [0,1]")
	emitCmd.Flags().Int64Var(&emitSeed, "seed", 0, "Traffic generator seed (0 = time-based)")

	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	tui.PrintHeader(pulse.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted, flushing...")
		cancel()
	}()

	endpoint := emitEndpoint
	if endpoint == "" {
		collector := transport.NewCollector()
		addr, err := collector.Listen("127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to start local collector: %w", err)
		}
		defer collector.Close()
		go collector.Serve(ctx)
		endpoint = addr
		fmt.Printf("  Local collector on %s\n", addr)
	}

	opts := []pulse.Option{
		pulse.WithEndpoint(endpoint),
		pulse.WithSampleRate(emitSample),
		pulse.WithStrategy(emitStrategy),
		pulse.WithStorage("memory", ""),
	}
	if verbose {
		opts = append(opts, pulse.WithAlerter(alerting.NewLogAlerter(
			alerting.WithAlertPrefix("[pulse/emit]"),
		)))
	}
	client, err := pulse.New(opts...)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.UpdateConsent(ctx, true); err != nil {
		return fmt.Errorf("failed to grant consent: %w", err)
	}

	seed := emitSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var interval time.Duration
	if emitRate > 0 {
		interval = time.Second / time.Duration(emitRate)
	}

	bar := tui.ShowProgress(int64(emitCount), "  emitting")
	start := time.Now()

	emitted := 0
	for emitted < emitCount {
		if ctx.Err() != nil {
			break
		}
		emitOne(client, rng, emitted)
		emitted++
		bar.Add(1)
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	bar.Finish()
	tui.ClearLine()

	health := client.Health()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	flushed := make(chan bool)
	go tui.Spinner("flushing", flushed)
	closeErr := client.Close(closeCtx)
	flushed <- true
	if closeErr != nil {
		fmt.Printf("  Close: %v\n", closeErr)
	}
	elapsed := time.Since(start)

	stats := client.Stats()
	tui.PrintRunReport(&tui.RunReport{
		Events:    int64(emitted),
		Delivered: stats.Delivered,
		Failed:    stats.Failed,
		Dropped:   stats.Dropped + stats.SampledOut,
		BytesSent: stats.Transport.BytesOut,
		Duration:  elapsed,
	})

	if verbose {
		tui.PrintStats(stats)
		tui.PrintHealth(health)
	}

	return nil
}

// emitOne sends one step of a synthetic browsing session.
func emitOne(client *pulse.Client, rng *rand.Rand, n int) {
	switch roll := rng.Float64(); {
	case roll < 0.30:
		client.TrackPageView(pick(rng, demoPaths), "")
	case roll < 0.55:
		client.TrackClick(pick(rng, demoElements))
	case roll < 0.68:
		client.TrackScroll(25 * (1 + rng.Intn(4)))
	case roll < 0.78:
		client.TrackSearch(pick(rng, demoQueries), rng.Intn(40))
	case roll < 0.86:
		client.TrackServiceView(fmt.Sprintf("svc-%d", rng.Intn(12)), pick(rng, demoServices))
	case roll < 0.92:
		emitBookingStep(client, rng, n)
	case roll < 0.97:
		client.TrackFormSubmit("contact", 5, rng.Float64() > 0.2)
	default:
		client.TrackError(errSynthetic)
	}
}

func emitBookingStep(client *pulse.Client, rng *rand.Rand, n int) {
	bookingID := fmt.Sprintf("bk-%d", n/10)
	switch rng.Intn(4) {
	case 0:
		client.TrackBookingStarted(bookingID, fmt.Sprintf("svc-%d", rng.Intn(12)))
	case 1:
		client.TrackBookingStep(bookingID, pick(rng, demoSteps), rng.Intn(4))
	case 2:
		client.TrackBookingCompleted(bookingID, int64(1000+rng.Intn(90000)), "EUR")
	default:
		client.TrackBookingAbandoned(bookingID, pick(rng, demoSteps))
	}
}

var errSynthetic = errors.New("synthetic failure")

var (
	demoPaths    = []string{"/", "/services", "/pricing", "/about", "/book", "/contact"}
	demoElements = []string{"cta-book", "nav-services", "nav-pricing", "footer-contact", "search-submit"}
	demoQueries  = []string{"haircut", "massage", "consultation", "late opening", "gift card"}
	demoServices = []string{"Haircut", "Massage", "Consultation", "Color Treatment"}
	demoSteps    = []string{"select_service", "select_time", "details", "payment"}
)

func pick(rng *rand.Rand, list []string) string {
	return list[rng.Intn(len(list))]
}
