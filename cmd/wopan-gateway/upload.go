package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/wopan/gateway/internal/tokenpool"
	"github.com/wopan/gateway/internal/upload"
	"github.com/wopan/gateway/internal/upstream"
)

// newUploadCmd is a thin CLI client: it drives the orchestrator and the
// upstream adapter directly, bypassing the HTTP gateway entirely.
func newUploadCmd() *cobra.Command {
	var (
		tokensFile string
		strategy   string
	)

	cmd := &cobra.Command{
		Use:   "upload <local-path> <remote-parent-id>",
		Short: "Upload a file or directory tree to the upstream account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath, remoteParentID := args[0], args[1]

			pool, err := loadPool(&tokensFile)
			if err != nil {
				return fmt.Errorf("load token pool: %w", err)
			}

			token, err := pool.Acquire(tokenpool.Strategy(strategy))
			if err != nil {
				return fmt.Errorf("acquire token: %w", err)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			client := upstream.NewClient(token, upstream.WithLogger(logger))

			job, err := upload.NewJob(localPath, remoteParentID, logger)
			if err != nil {
				return fmt.Errorf("build upload job: %w", err)
			}

			var totalBytes int64
			for _, it := range job.Reports() {
				totalBytes += it.SizeBytes
			}

			bar := pb.Full.Start64(totalBytes)
			bar.SetRefreshRate(150 * time.Millisecond)
			defer bar.Finish()

			stop := make(chan struct{})
			go watchBarProgress(bar, job, stop)

			job.Run(client, cliReporter{pool: pool})
			close(stop)
			bar.SetCurrent(totalBytes)
			bar.Finish()

			failures := 0
			for _, it := range job.Reports() {
				if it.State == upload.ItemFailed {
					failures++
					fmt.Fprintf(os.Stderr, "failed: %s: %s\n", it.RelativePath, it.ErrorMessage)
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d items failed", failures, len(job.Reports()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tokensFile, "tokens-file", "", "Path to tokens.json (overrides WOPAN_TOKENS_FILE)")
	cmd.Flags().StringVar(&strategy, "strategy", "round_robin", "Token selection strategy: round_robin|best")

	return cmd
}

// watchBarProgress polls the job's per-item state and advances bar by the
// sum of each item's percent-complete share of its own size.
func watchBarProgress(bar *pb.ProgressBar, job *upload.Job, stop chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	tick := func() {
		var done int64
		for _, it := range job.Reports() {
			done += it.SizeBytes * int64(it.Progress) / 100
		}
		bar.SetCurrent(done)
	}

	for {
		select {
		case <-ticker.C:
			tick()
		case <-stop:
			return
		}
	}
}

// cliReporter relays per-operation outcomes back to the token pool, same
// role as the gateway's clientReporter.
type cliReporter struct{ pool *tokenpool.Pool }

func (r cliReporter) ReportSuccess(token string) { r.pool.ReportSuccess(token) }
func (r cliReporter) ReportError(token, reason string) {
	r.pool.ReportError(token, reason)
}
