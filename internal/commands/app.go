package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/cache"
	"github.com/joseph-ayodele/receipts-reconcile/internal/capture"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/poller"
	"github.com/joseph-ayodele/receipts-reconcile/internal/runner"
	"github.com/joseph-ayodele/receipts-reconcile/internal/store"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
	"github.com/joseph-ayodele/receipts-reconcile/internal/workflow"
)

// app is one CLI invocation's review context backed by the local store.
type app struct {
	cfg      *common.Config
	store    *store.Store
	workflow *workflow.Workflow
	logger   *slog.Logger
}

func newApp(ctx context.Context, g *globals) (*app, error) {
	cfg, logger := g.cfg, g.logger

	st, err := store.Open(ctx, cfg.Client.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	records, err := cache.New(cache.DefaultSize, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client := boundary.New(cfg.Client.BaseURL, logger,
		boundary.WithTimeout(cfg.Client.Timeout),
		boundary.WithTokenProvider(boundary.StaticToken(cfg.Client.Token)),
		boundary.WithUnauthorizedHandler(func(_ context.Context, op string) {
			logger.Warn("receiptctl.unauthorized", "op", op, "hint", "set RECEIPTS_TOKEN or --token")
		}),
	)

	var camera *capture.Camera
	if cfg.Client.CameraCommand != "" {
		dev := capture.NewCommandDevice(cfg.Client.CameraCommand, map[capture.FacingMode]string{
			capture.FacingFront: cfg.Client.CameraFront,
			capture.FacingBack:  cfg.Client.CameraBack,
		}, runner.Exec{Logger: logger})
		camera = capture.NewCamera(capture.Exclusive(dev), logger)
	}

	wf, err := workflow.New(workflow.Deps{
		Client:    client,
		Validator: upload.New(upload.WithMaxBytes(cfg.Upload.MaxBytes)),
		Cache:     records,
		Camera:    camera,
		Poller: []poller.Option{
			poller.WithInterval(cfg.Client.PollInterval),
			poller.WithTimeout(cfg.Client.PollTimeout),
		},
		Logger: logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: st, workflow: wf, logger: logger}, nil
}

// restoreDraft puts a draft saved by an earlier invocation back on the desk so Resume
// continues editing it.
func (a *app) restoreDraft(ctx context.Context, id string) (bool, error) {
	d, ok, err := a.store.Draft(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if _, err := a.workflow.Desk().Open(d, true); err != nil {
		return false, err
	}
	return true, nil
}

// keep persists an uncommitted draft so the next invocation can pick it up. Clean seeded
// drafts are dropped from the store instead.
func (a *app) keep(ctx context.Context, d *draft.Draft) error {
	if d == nil {
		return nil
	}
	if !d.IsDirty() && !d.ManualEntry() {
		return a.store.DeleteDraft(ctx, d.RecordID())
	}
	return a.store.SaveDraft(ctx, d)
}

func (a *app) Close() error {
	return errors.Join(a.workflow.Close(), a.store.Close())
}
