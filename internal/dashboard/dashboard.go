// Package dashboard paints the live operator view from GlobalMetrics.
package dashboard

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/metrics"
)

const (
	clearScreen   = "\033[2J\033[H"
	maxFailureLen = 24
)

var (
	faint  = color.New(color.Faint).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Header is the static part of the view.
type Header struct {
	Target      string
	SystemID    string
	SystemType  string
	Source      string
	SourceTON   uint8
	SourceNPI   uint8
	Destination string
	DestTON     uint8
	DestNPI     uint8
}

// HeaderFrom extracts the header from a configuration. The password is never shown.
func HeaderFrom(cfg *config.Config) Header {
	return Header{
		Target:      cfg.SMPP.Address(),
		SystemID:    cfg.SMPP.SystemID,
		SystemType:  cfg.SMPP.SystemType,
		Source:      cfg.Message.SourceAddr,
		SourceTON:   cfg.Message.SourceTON,
		SourceNPI:   cfg.Message.SourceNPI,
		Destination: cfg.Message.DestinationAddr,
		DestTON:     cfg.Message.DestinationTON,
		DestNPI:     cfg.Message.DestinationNPI,
	}
}

// Dashboard renders every published GlobalMetrics as a full-screen frame.
type Dashboard struct {
	header  Header
	quiet   bool
	output  io.Writer
	clear   bool
	stopped atomic.Bool
	mu      sync.Mutex
}

// New returns a dashboard writing to stdout. A quiet dashboard renders nothing.
func New(header Header, quiet bool) *Dashboard {
	return &Dashboard{
		header: header,
		quiet:  quiet,
		output: os.Stdout,
		clear:  !color.NoColor,
	}
}

// SetOutput redirects frames to w and disables screen clearing.
func (d *Dashboard) SetOutput(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.output = w
	d.clear = false
}

// Publish implements metrics.Publisher.
func (d *Dashboard) Publish(g metrics.GlobalMetrics) {
	if d.quiet || d.stopped.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clear {
		fmt.Fprint(d.output, clearScreen)
	}
	d.render(d.output, g)
}

// Stop prevents further frames. The last frame stays on screen.
func (d *Dashboard) Stop() {
	d.stopped.Store(true)
}

// Printf writes a message line unless the dashboard is quiet.
func (d *Dashboard) Printf(format string, args ...interface{}) {
	if d.quiet {
		return
	}
	d.mu.Lock()
	fmt.Fprintf(d.output, format+"\n", args...)
	d.mu.Unlock()
}

func (d *Dashboard) render(w io.Writer, g metrics.GlobalMetrics) {
	h := d.header
	fmt.Fprintf(w, "%s   elapsed %s\n", bold("SMPP Load Test Dashboard"), formatElapsed(g.Elapsed))
	fmt.Fprintln(w, strings.Repeat("-", 80))

	badges := make([]string, len(g.Binds))
	for i, b := range g.Binds {
		badges[i] = Badge(b)
	}
	fmt.Fprintf(w, "Bind states: %s\n", strings.Join(badges, " "))
	fmt.Fprintf(w, "Target: %s | system_id=%s | system_type=%s\n",
		h.Target, h.SystemID, orDash(h.SystemType))
	fmt.Fprintf(w, "Source: %s (TON %d / NPI %d) | Destination: %s (TON %d / NPI %d)\n",
		h.Source, h.SourceTON, h.SourceNPI, h.Destination, h.DestTON, h.DestNPI)
	fmt.Fprintln(w, "")

	fmt.Fprintf(w, "Messages: %s | OK: %s (%.1f%%) | Err: %s (%.1f%%)\n",
		bold(g.Total), green(g.OK), g.OKPct, red(g.Err), g.ErrPct)
	fmt.Fprintf(w, "Average latency: %.2f ms | Total TPS: %.1f\n", millis(g.AvgLatency), g.TPS)
	if g.ReceiptsDelivered+g.ReceiptsFailed > 0 {
		fmt.Fprintf(w, "Receipts: %d delivered | %d failed\n", g.ReceiptsDelivered, g.ReceiptsFailed)
	}

	fmt.Fprintln(w, "\nPer-bind stats:")
	for _, b := range g.Binds {
		fmt.Fprintf(w, "%s -> TPS %8.1f | Avg %6.2f ms | OK %8d | Err %8d | Last ID %s\n",
			Badge(b), b.TPS, millis(b.AvgLatency), b.OK, b.Err, orDash(b.LastMessageID))
	}
}

// Badge renders a bind's state as [<letter><id>], with the failure reason for
// failed binds.
func Badge(b metrics.BindSnapshot) string {
	switch b.State {
	case core.StateUnbound:
		return fmt.Sprintf("[%s]", faint(fmt.Sprintf("P%d", b.ID)))
	case core.StateBinding:
		return fmt.Sprintf("[%s]", yellow(fmt.Sprintf("C%d", b.ID)))
	case core.StateBound:
		return fmt.Sprintf("[%s]", green(fmt.Sprintf("B%d", b.ID)))
	case core.StateDraining:
		return fmt.Sprintf("[%s]", cyan(fmt.Sprintf("D%d", b.ID)))
	case core.StateClosed:
		return fmt.Sprintf("[%s]", faint(fmt.Sprintf("X%d", b.ID)))
	}
	reason := b.Failure
	if r := []rune(reason); len(r) > maxFailureLen {
		reason = string(r[:maxFailureLen]) + "…"
	}
	if reason == "" {
		return fmt.Sprintf("[%s]", red(fmt.Sprintf("E%d", b.ID)))
	}
	return fmt.Sprintf("[%s:%s]", red(fmt.Sprintf("E%d", b.ID)), reason)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
