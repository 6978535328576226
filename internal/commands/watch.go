package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

func newWatchCommand(g *globals) *cobra.Command {
	var (
		h        hintFlags
		initial  bool
		debounce time.Duration
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Submit every receipt file dropped into the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				paths, errs, err := capture.Watch(ctx, capture.WatchConfig{
					Roots:       args,
					InitialScan: initial,
					Debounce:    debounce,
					Logger:      a.logger,
				})
				if err != nil {
					return err
				}

				submitted := 0
				for {
					select {
					case <-ctx.Done():
						return nil
					case err, ok := <-errs:
						if ok {
							a.logger.Warn("receiptctl.watch.error", "error", err)
						}
					case path, ok := <-paths:
						if !ok {
							return nil
						}
						if err := a.submitWatched(ctx, cmd, g, &h, path); err != nil {
							var v *upload.Violation
							if errors.As(err, &v) {
								a.logger.Info("receiptctl.watch.skipped", "path", path, "reason", v.Error())
							} else {
								a.logger.Error("receiptctl.watch.submit_failed", "path", path, "error", err)
							}
							continue
						}
						submitted++
						if limit > 0 && submitted >= limit {
							return nil
						}
					}
				}
			})
		},
	}
	h.register(cmd)
	cmd.Flags().BoolVar(&initial, "initial", false, "also submit files already present")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "wait for writes to settle")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many submissions (0 = run until interrupted)")
	return cmd
}

func (a *app) submitWatched(ctx context.Context, cmd *cobra.Command, g *globals, h *hintFlags, path string) error {
	r, err := a.workflow.IngestFile(ctx, path, h.hints())
	if err != nil {
		return err
	}
	a.logger.Info("receiptctl.watch.submitted", "path", path, "receipt_id", r.RecordID())
	return a.settle(ctx, cmd, g, r, !h.noWait)
}
