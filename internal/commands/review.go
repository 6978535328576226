package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/receipts-reconcile/internal/commit"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/poller"
	"github.com/joseph-ayodele/receipts-reconcile/internal/workflow"
)

func newStatusCommand(g *globals) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a receipt's extraction status and its local draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				r, err := a.resume(ctx, args[0])
				if err != nil {
					return err
				}
				return a.settle(ctx, cmd, g, r, wait)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until extraction reaches an end state")
	return cmd
}

type editFlags struct {
	vendor   string
	amount   string
	date     string
	category string
	notes    string
	items    []string
}

func newReviewCommand(g *globals) *cobra.Command {
	var (
		e      editFlags
		manual bool
		reset  bool
		retry  bool
		wait   bool
		send   bool
	)
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Correct a receipt's extracted fields and optionally commit them",
		Long: `review opens the draft for a receipt, applies the given edits and saves the draft
locally. Edits survive between invocations until --commit sends them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				r, err := a.resume(ctx, args[0])
				if err != nil {
					return err
				}
				if retry {
					if err := r.Retry(ctx); err != nil {
						return err
					}
					wait = true
				}

				d, pollState, err := open(ctx, r, wait, manual)
				if err != nil {
					return err
				}
				if d == nil {
					if err := render(cmd.OutOrStdout(), g.output, newView(r.Record(), string(r.Disposition()), nil)); err != nil {
						return err
					}
					return errors.New("extraction is still running; pass --wait or --manual")
				}

				if reset {
					d.Reset()
				}
				if err := e.apply(cmd, d); err != nil {
					return err
				}

				if !send {
					if err := a.keep(ctx, d); err != nil {
						return err
					}
					v := newView(r.Record(), string(r.Disposition()), d)
					v.PollState = pollState
					return render(cmd.OutOrStdout(), g.output, v)
				}
				return a.commit(ctx, cmd, g, r, d)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&e.vendor, "vendor", "", "vendor name")
	f.StringVar(&e.amount, "amount", "", "total amount, for example 42.50")
	f.StringVar(&e.date, "date", "", "transaction date as YYYY-MM-DD")
	f.StringVar(&e.category, "category", "", "expense category")
	f.StringVar(&e.notes, "notes", "", "free-form notes")
	f.StringArrayVar(&e.items, "item", nil, "line item as description=amount; repeat to replace all items")
	f.BoolVar(&manual, "manual", false, "stop waiting for extraction and enter the fields by hand")
	f.BoolVar(&reset, "reset", false, "discard edits and restore the extracted values")
	f.BoolVar(&retry, "retry", false, "ask the server to run extraction again")
	f.BoolVar(&wait, "wait", false, "poll until extraction reaches an end state")
	f.BoolVar(&send, "commit", false, "send the corrected fields")
	return cmd
}

// resume opens a review for id, restoring any draft saved by an earlier invocation.
func (a *app) resume(ctx context.Context, id string) (*workflow.Review, error) {
	restored, err := a.restoreDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if restored {
		a.logger.Debug("receiptctl.draft.restored", "receipt_id", id)
	}
	return a.workflow.Resume(ctx, id)
}

// open returns the draft to edit, waiting for extraction or switching to manual entry as
// asked. A nil draft means extraction is still running.
func open(ctx context.Context, r *workflow.Review, wait, manual bool) (*draft.Draft, string, error) {
	if manual {
		d, err := r.ManualEntry()
		return d, "", err
	}
	d := r.Draft()
	if d != nil || !wait {
		return d, "", nil
	}
	d, err := r.Await(ctx)
	state := ""
	if o := r.Outcome(); o != nil {
		state = string(o.State)
	}
	if err != nil && !errors.Is(err, poller.ErrExtractionFailed) {
		return nil, state, err
	}
	return d, state, nil
}

func (e *editFlags) apply(cmd *cobra.Command, d *draft.Draft) error {
	// Setter results are local field errors; they are rendered with the draft.
	changed := cmd.Flags().Changed
	if changed("vendor") {
		_ = d.SetVendor(e.vendor)
	}
	if changed("amount") {
		_ = d.SetAmount(e.amount)
	}
	if changed("date") {
		_ = d.SetDate(e.date)
	}
	if changed("category") {
		_ = d.SetCategory(e.category)
	}
	if changed("notes") {
		_ = d.SetNotes(e.notes)
	}
	if !changed("item") {
		return nil
	}
	for len(d.Values().Items) > 0 {
		if err := d.RemoveLineItem(0); err != nil {
			return err
		}
	}
	for _, raw := range e.items {
		i := strings.LastIndex(raw, "=")
		if i < 0 {
			return fmt.Errorf("--item %q must be description=amount", raw)
		}
		_, _ = d.AddLineItem(raw[:i], raw[i+1:])
	}
	return nil
}

func (a *app) commit(ctx context.Context, cmd *cobra.Command, g *globals, r *workflow.Review, d *draft.Draft) error {
	rec, err := r.Commit(ctx)
	switch {
	case err == nil:
		if err := a.store.DeleteDraft(ctx, d.RecordID()); err != nil {
			return err
		}
		v := newView(rec, "", nil)
		v.Committed = true
		return render(cmd.OutOrStdout(), g.output, v)
	case errors.Is(err, commit.ErrRecordGone):
		_ = a.store.DeleteDraft(ctx, d.RecordID())
		return err
	}

	if keepErr := a.keep(ctx, d); keepErr != nil {
		a.logger.Warn("receiptctl.draft.save_failed", "receipt_id", d.RecordID(), "error", keepErr)
	}
	if renderErr := render(cmd.OutOrStdout(), g.output, newView(r.Record(), string(r.Disposition()), d)); renderErr != nil {
		return renderErr
	}
	return err
}
