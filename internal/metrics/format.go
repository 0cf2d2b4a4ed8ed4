package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FormatText writes the summary in human-readable format.
func FormatText(w io.Writer, s *Summary) {
	g := s.Global
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "smppload - Run Summary")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w, "")
	if s.RunID != "" {
		fmt.Fprintf(w, "Run:            %s\n", s.RunID)
	}
	if s.Target != "" {
		fmt.Fprintf(w, "Target:         %s\n", s.Target)
	}
	fmt.Fprintf(w, "Duration:       %v\n", g.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Binds:          %d\n", len(s.Binds))

	if g.Total == 0 {
		fmt.Fprintln(w, "Submissions:    none")
	} else {
		fmt.Fprintf(w, "Submissions:    %s\n", formatNumber(g.Total))
		fmt.Fprintf(w, "OK:             %s (%.1f%%)\n", formatNumber(g.OK), g.OKPct)
		fmt.Fprintf(w, "Errors:         %s (%.1f%%)\n", formatNumber(g.Err), g.ErrPct)
		if g.Abandoned > 0 {
			fmt.Fprintf(w, "Abandoned:      %s\n", formatNumber(g.Abandoned))
		}
		if g.Elapsed > 0 {
			fmt.Fprintf(w, "Submits/sec:    %.1f\n", float64(g.Total)/g.Elapsed.Seconds())
		}
	}
	if g.ReceiptsDelivered+g.ReceiptsFailed > 0 {
		fmt.Fprintf(w, "Receipts:       %s delivered, %s failed\n",
			formatNumber(g.ReceiptsDelivered), formatNumber(g.ReceiptsFailed))
	}

	if s.Latency.Count > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Response Times:")
		fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(s.Latency.Min))
		fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(s.Latency.Avg))
		fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(s.Latency.P50))
		fmt.Fprintf(w, "  P90:    %s\n", FormatDuration(s.Latency.P90))
		fmt.Fprintf(w, "  P99:    %s\n", FormatDuration(s.Latency.P99))
		fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(s.Latency.Max))
	}

	if len(s.Binds) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "By Bind:")
		for _, b := range s.Binds {
			fmt.Fprintf(w, "  #%-3d %-9s ok=%s err=%s  avg=%s  p99=%s  last=%s\n",
				b.ID, b.State, formatNumber(b.OK), formatNumber(b.Err),
				FormatDuration(b.Latency.Avg), FormatDuration(b.Latency.P99),
				orDash(b.LastMessageID))
			if b.Failure != "" {
				fmt.Fprintf(w, "       %s\n", b.Failure)
			}
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Errors:")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  ✗ %s\n", e)
		}
	}
}

// FormatJSON writes the summary in JSON format.
func FormatJSON(w io.Writer, s *Summary) {
	g := s.Global
	output := jsonSummary{
		RunID:             s.RunID,
		Target:            s.Target,
		Duration:          g.Elapsed.Round(time.Millisecond).String(),
		Total:             g.Total,
		OK:                g.OK,
		Err:               g.Err,
		Abandoned:         g.Abandoned,
		OKPct:             g.OKPct,
		ReceiptsDelivered: g.ReceiptsDelivered,
		ReceiptsFailed:    g.ReceiptsFailed,
		Latency:           toJSONLatency(s.Latency),
		Binds:             make([]jsonBind, 0, len(s.Binds)),
		Errors:            s.Errors,
	}
	for _, b := range s.Binds {
		output.Binds = append(output.Binds, jsonBind{
			ID:                b.ID,
			State:             b.State.String(),
			Failure:           b.Failure,
			OK:                b.OK,
			Err:               b.Err,
			Abandoned:         b.Abandoned,
			LastMessageID:     b.LastMessageID,
			ReceiptsDelivered: b.ReceiptsDelivered,
			ReceiptsFailed:    b.ReceiptsFailed,
			Latency:           toJSONLatency(b.Latency),
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonSummary struct {
	RunID             string      `json:"runId,omitempty"`
	Target            string      `json:"target,omitempty"`
	Duration          string      `json:"duration"`
	Total             uint64      `json:"total"`
	OK                uint64      `json:"ok"`
	Err               uint64      `json:"err"`
	Abandoned         uint64      `json:"abandoned"`
	OKPct             float64     `json:"okPct"`
	ReceiptsDelivered uint64      `json:"receiptsDelivered"`
	ReceiptsFailed    uint64      `json:"receiptsFailed"`
	Latency           jsonLatency `json:"latency"`
	Binds             []jsonBind  `json:"binds"`
	Errors            []string    `json:"errors,omitempty"`
}

type jsonBind struct {
	ID                int         `json:"id"`
	State             string      `json:"state"`
	Failure           string      `json:"failure,omitempty"`
	OK                uint64      `json:"ok"`
	Err               uint64      `json:"err"`
	Abandoned         uint64      `json:"abandoned"`
	LastMessageID     string      `json:"lastMessageId,omitempty"`
	ReceiptsDelivered uint64      `json:"receiptsDelivered"`
	ReceiptsFailed    uint64      `json:"receiptsFailed"`
	Latency           jsonLatency `json:"latency"`
}

type jsonLatency struct {
	Count int64  `json:"count"`
	Min   string `json:"min"`
	Avg   string `json:"avg"`
	P50   string `json:"p50"`
	P90   string `json:"p90"`
	P99   string `json:"p99"`
	Max   string `json:"max"`
}

func toJSONLatency(l LatencyStats) jsonLatency {
	return jsonLatency{
		Count: l.Count,
		Min:   FormatDuration(l.Min),
		Avg:   FormatDuration(l.Avg),
		P50:   FormatDuration(l.P50),
		P90:   FormatDuration(l.P90),
		P99:   FormatDuration(l.P99),
		Max:   FormatDuration(l.Max),
	}
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

func formatNumber(n uint64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
