// Command smsc-sim runs a local SMSC simulator for exercising smppload.
//
// Usage:
//
//	smsc-sim [flags]
//
// Flags:
//
//	--listen         address to accept binds on (default: 127.0.0.1:2775)
//	--user/--passwd  accepted bind credentials
//	--min-latency    lower bound of the submit_sm_resp delay
//	--max-latency    upper bound of the submit_sm_resp delay
//	--fail-rate      percentage of submissions answered with an error
//	--receipt-delay  delay before a requested delivery receipt is sent
//	--receipt-state  stat: value of delivery receipts
//	--receipt-tlv    send receipts as TLVs instead of text
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smppload/internal/logging"
	"smppload/testserver"
)

type simOptions struct {
	Listen        string
	Opts          testserver.Options
	StatsInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := simOptions{}
	cmd := &cobra.Command{
		Use:          "smsc-sim",
		Short:        "Local SMSC simulator",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.Opts.FailRate < 0 || o.Opts.FailRate > 100 {
				return fmt.Errorf("--fail-rate must be in 0..100, got %d", o.Opts.FailRate)
			}
			logger, err := logging.FromEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Listen, "listen", "127.0.0.1:2775", "address to accept binds on")
	f.StringVar(&o.Opts.User, "user", "client", "accepted system_id")
	f.StringVar(&o.Opts.Passwd, "passwd", "secret", "accepted password")
	f.DurationVar(&o.Opts.MinLatency, "min-latency", 0, "minimum submit_sm_resp delay")
	f.DurationVar(&o.Opts.MaxLatency, "max-latency", 0, "maximum submit_sm_resp delay")
	f.IntVar(&o.Opts.FailRate, "fail-rate", 0, "percentage of submissions answered with ESME_RTHROTTLED")
	f.DurationVar(&o.Opts.ReceiptDelay, "receipt-delay", 100*time.Millisecond, "delay before a requested receipt is delivered")
	f.StringVar(&o.Opts.ReceiptState, "receipt-state", "DELIVRD", "stat: value of delivery receipts")
	f.BoolVar(&o.Opts.TLVReceipts, "receipt-tlv", false, "send receipts as receipted_message_id/message_state TLVs")
	f.DurationVar(&o.StatsInterval, "stats-interval", 5*time.Second, "how often to log counters (0 disables)")
	return cmd
}

// serve runs the simulator on o.Listen until ctx is done.
func serve(ctx context.Context, o simOptions, logger *zap.Logger) error {
	l, err := net.Listen("tcp", o.Listen)
	if err != nil {
		return err
	}

	smsc := testserver.NewSMSC(o.Opts)
	smsc.Start()
	defer smsc.Close()

	logger.Info("SMSC simulator listening",
		zap.String("addr", l.Addr().String()),
		zap.String("user", o.Opts.User),
		zap.Duration("min_latency", o.Opts.MinLatency),
		zap.Duration("max_latency", o.Opts.MaxLatency),
		zap.Int("fail_rate", o.Opts.FailRate))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return smsc.Forward(gctx, l) })
	if o.StatsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, smsc, o.StatsInterval, logger)
			return nil
		})
	}
	err = g.Wait()
	logger.Info("SMSC simulator stopped",
		zap.Int64("submitted", smsc.Submitted()),
		zap.Int64("failed", smsc.Failed()),
		zap.Int64("receipts", smsc.ReceiptsSent()))
	return err
}

func logStats(ctx context.Context, smsc *testserver.SMSC, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("stats",
				zap.Int64("submitted", smsc.Submitted()),
				zap.Int64("failed", smsc.Failed()),
				zap.Int64("receipts", smsc.ReceiptsSent()))
		}
	}
}
