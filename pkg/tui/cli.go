// Package tui renders terminal output for the pulse CLI.
// Simple, streaming, no complex TUI - just styled lines and progress bars.
package tui

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/pulsekit/pulse/pkg/tracker"
	"github.com/pulsekit/pulse/pkg/transport"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	amber   = lipgloss.Color("#FFAA00")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	amberStyle   = lipgloss.NewStyle().Foreground(amber).Bold(true)
)

// PrintHeader prints the CLI banner.
func PrintHeader(version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("  PULSE") + mutedStyle.Render(" "+version))
	fmt.Println(mutedStyle.Render("  Client event telemetry pipeline"))
	fmt.Println()
}

// PrintStats prints a pipeline snapshot.
func PrintStats(s tracker.Stats) {
	fmt.Println()
	fmt.Println(accentStyle.Render("▸ PIPELINE"))
	rule()
	row("Captured:", formatNumber(s.Captured))
	row("Delivered:", formatNumber(s.Delivered))
	row("Failed:", formatNumber(s.Failed))
	row("Queued:", formatNumber(int64(s.Queued)))
	row("Dropped:", formatNumber(s.Dropped))
	for _, reason := range sortedReasons(s.DroppedByReason) {
		row("  "+reason+":", formatNumber(s.DroppedByReason[reason]))
	}
	if s.SampledOut > 0 {
		row("Sampled out:", formatNumber(s.SampledOut))
	}
	if s.ConsentBlocked > 0 {
		row("Consent blocked:", formatNumber(s.ConsentBlocked))
	}

	fmt.Println()
	fmt.Println(accentStyle.Render("▸ TRANSPORT"))
	rule()
	fmt.Printf("  %s %s\n", mutedStyle.Render("Status:"), statusStyle(s.Connection).Render(string(s.Connection)))
	row("Batches:", formatNumber(s.Batcher.BatchesSent))
	row("Bytes out:", formatBytes(s.Transport.BytesOut))
	row("Reconnects:", formatNumber(s.Transport.Reconnects))
	row("Ack latency:", formatDuration(s.AckLatency))
	row("Process p95:", formatDuration(s.P95Latency))

	if s.SessionID != "" {
		fmt.Println()
		fmt.Println(accentStyle.Render("▸ SESSION"))
		rule()
		row("ID:", s.SessionID)
		row("Events:", formatNumber(s.SessionEvents))
		row("Page views:", formatNumber(int64(s.PageViews)))
	}

	if s.Fingerprint != "" {
		fmt.Println()
		fmt.Println(accentStyle.Render("▸ IDENTITY"))
		rule()
		row("Fingerprint:", s.Fingerprint)
		row("Confidence:", fmt.Sprintf("%.0f%%", s.Confidence*100))
	}
	fmt.Println()
}

// PrintHealth prints the health verdict with per-component scores.
func PrintHealth(h tracker.Health) {
	fmt.Println()
	fmt.Printf("  %s %s %s\n",
		mutedStyle.Render("Health:"),
		verdictStyle(h.Verdict).Render(strings.ToUpper(h.Verdict)),
		mutedStyle.Render(fmt.Sprintf("(%.2f)", h.Score)))

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s %s\n",
			mutedStyle.Render(name+":"),
			titleStyle.Render(fmt.Sprintf("%.2f", h.Components[name])))
	}
	fmt.Println()
}

// RunReport summarizes a load run.
type RunReport struct {
	Events    int64
	Delivered int64
	Failed    int64
	Dropped   int64
	BytesSent int64
	Duration  time.Duration
}

// PrintRunReport prints results after a load run.
func PrintRunReport(report *RunReport) {
	fmt.Println()
	fmt.Println(successStyle.Render("  ✓ RUN COMPLETE"))
	fmt.Println()
	row("Events:", formatNumber(report.Events))

	if report.Events > 0 {
		rate := float64(report.Delivered) / float64(report.Events) * 100
		fmt.Printf("  %s %s %s\n",
			mutedStyle.Render("Delivered:"),
			titleStyle.Render(formatNumber(report.Delivered)),
			mutedStyle.Render(fmt.Sprintf("(%.1f%%)", rate)))
	}
	if report.Failed > 0 {
		fmt.Printf("  %s %s\n", mutedStyle.Render("Failed:"), accentStyle.Render(formatNumber(report.Failed)))
	}
	if report.Dropped > 0 {
		fmt.Printf("  %s %s\n", mutedStyle.Render("Dropped:"), amberStyle.Render(formatNumber(report.Dropped)))
	}
	if report.BytesSent > 0 {
		row("Sent:", formatBytes(report.BytesSent))
	}

	if report.Duration > 0 {
		throughput := float64(report.Events) / report.Duration.Seconds()
		fmt.Printf("  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(report.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(throughput)))))
	}
	fmt.Println()
}

// PrintConsent prints the current consent state.
func PrintConsent(granted bool, version string, updatedAt time.Time) {
	fmt.Println()
	if granted {
		fmt.Println(successStyle.Render("  ✓ CONSENT GRANTED"))
	} else {
		fmt.Println(accentStyle.Render("  ✗ CONSENT DENIED"))
	}
	if version != "" {
		row("Version:", version)
	}
	if !updatedAt.IsZero() {
		row("Updated:", updatedAt.Format(time.RFC3339))
	}
	fmt.Println()
}

// Confirm prompts for a yes/no answer. Empty input counts as yes.
func Confirm(prompt string) (bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print(accentStyle.Render("  " + prompt + " [Y/n]: "))
	input, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}

	input = strings.ToLower(strings.TrimSpace(input))
	return input == "" || input == "y" || input == "yes", nil
}

// ClearLine clears the current line.
func ClearLine() {
	fmt.Print("\r\033[K")
}

func rule() {
	fmt.Println(mutedStyle.Render("  ─────────────────────────────────────"))
}

func row(label, value string) {
	fmt.Printf("  %s %s\n", mutedStyle.Render(label), titleStyle.Render(value))
}

func sortedReasons(byReason map[string]int64) []string {
	reasons := make([]string, 0, len(byReason))
	for reason := range byReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	return reasons
}

func statusStyle(s transport.Status) lipgloss.Style {
	switch s {
	case transport.StatusConnected:
		return successStyle
	case transport.StatusConnecting:
		return amberStyle
	default:
		return accentStyle
	}
}

func verdictStyle(verdict string) lipgloss.Style {
	switch verdict {
	case tracker.VerdictHealthy:
		return successStyle
	case tracker.VerdictDegraded:
		return amberStyle
	default:
		return accentStyle
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ShowProgress creates a progress bar for a bounded run.
func ShowProgress(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// Spinner shows a simple loading indicator.
func Spinner(message string, done chan bool) {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			fmt.Printf("\r%s %s\n", successStyle.Render("✓"), message)
			return
		default:
			fmt.Printf("\r%s %s", accentStyle.Render(frames[i]), message)
			i = (i + 1) % len(frames)
			time.Sleep(80 * time.Millisecond)
		}
	}
}
