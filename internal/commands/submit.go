package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
	"github.com/joseph-ayodele/receipts-reconcile/internal/ingest"
	"github.com/joseph-ayodele/receipts-reconcile/internal/poller"
	"github.com/joseph-ayodele/receipts-reconcile/internal/workflow"
)

type hintFlags struct {
	category string
	vendor   string
	notes    string
	noWait   bool
}

func (h *hintFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&h.category, "category", "", "expense category hint")
	cmd.Flags().StringVar(&h.vendor, "vendor", "", "vendor name hint")
	cmd.Flags().StringVar(&h.notes, "notes", "", "free-form notes")
	cmd.Flags().BoolVar(&h.noWait, "no-wait", false, "return once the file is accepted")
}

func (h *hintFlags) hints() ingest.Hints {
	return ingest.Hints{Category: h.category, VendorName: h.vendor, Notes: h.notes}
}

func newSubmitCommand(g *globals) *cobra.Command {
	var h hintFlags
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a receipt file and wait for its extracted fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				r, err := a.workflow.IngestFile(ctx, args[0], h.hints())
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, g, r, !h.noWait)
			})
		},
	}
	h.register(cmd)
	return cmd
}

func newPurchaserSubmitCommand(g *globals) *cobra.Command {
	var (
		h hintFlags
		p entity.Purchaser
	)
	cmd := &cobra.Command{
		Use:   "purchaser-submit <file>",
		Short: "Submit a receipt on behalf of a purchaser without credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				hints := h.hints()
				hints.Purchaser = &p
				r, err := a.workflow.IngestFile(ctx, args[0], hints)
				if err != nil {
					return err
				}
				// Purchaser submissions wait for an authenticated reviewer.
				return a.settle(ctx, cmd, g, r, false)
			})
		},
	}
	cmd.Flags().StringVar(&h.notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&p.Name, "name", "", "purchaser name")
	cmd.Flags().StringVar(&p.Email, "email", "", "purchaser email")
	cmd.Flags().StringVar(&p.EventPurpose, "purpose", "", "event or purpose of the purchase")
	cmd.Flags().StringVar(&p.ApprovedBy, "approved-by", "", "who approved the purchase")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newCaptureCommand(g *globals) *cobra.Command {
	var (
		h      hintFlags
		facing string
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take a photo of a receipt with the camera and submit it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := capture.FacingMode(facing)
			if mode != capture.FacingBack && mode != capture.FacingFront {
				return fmt.Errorf("--facing must be back or front, got %q", facing)
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				f, err := a.workflow.Capture(ctx, mode)
				if err != nil {
					return err
				}
				r, err := a.workflow.Ingest(ctx, f, h.hints())
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, g, r, !h.noWait)
			})
		},
	}
	h.register(cmd)
	cmd.Flags().StringVar(&facing, "facing", string(capture.FacingBack), "camera facing: back or front")
	return cmd
}

// withApp builds the review context, runs fn and tears the context down.
func withApp(cmd *cobra.Command, g *globals, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("receiptctl.close.failed", "error", err)
		}
	}()
	return fn(ctx, a)
}

// settle optionally waits for extraction, prints the review and saves its draft.
func (a *app) settle(ctx context.Context, cmd *cobra.Command, g *globals, r *workflow.Review, wait bool) error {
	d := r.Draft()
	var pollState string
	if wait && d == nil {
		var err error
		d, err = r.Await(ctx)
		if err != nil && !errors.Is(err, poller.ErrExtractionFailed) {
			return err
		}
		if o := r.Outcome(); o != nil {
			pollState = string(o.State)
		}
	}
	if err := a.keep(ctx, d); err != nil {
		return err
	}
	v := newView(r.Record(), string(r.Disposition()), d)
	v.PollState = pollState
	return render(cmd.OutOrStdout(), g.output, v)
}
