// Package agent runs the sync cycles of an edge node against its upstream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/node"
	"fieldsync/internal/service"
	"fieldsync/internal/transport"
	"fieldsync/internal/websocket"
)

// maxBatchesPerCycle bounds the uploads of one cycle so a node that keeps
// writing still ends its cycle.
const maxBatchesPerCycle = 50

var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Upstream is the node this agent synchronizes with.
type Upstream interface {
	Health(ctx context.Context) (*domain.HealthResponse, error)
	Download(ctx context.Context, scope string) (*domain.DownloadResponse, error)
	Upload(ctx context.Context, req *domain.UploadRequest) (*domain.UploadResponse, error)
	BatchOutcome(ctx context.Context, batchID string) (*domain.BatchResult, error)
	ListenHints(ctx context.Context, scopes []string, onHint func(websocket.SyncHintPayload)) error
}

type Options struct {
	// Peer is the queue peer name of the upstream.
	Peer          string
	Scopes        []string
	Interval      time.Duration
	ProbeInterval time.Duration
	Timeout       time.Duration
	BatchSize     int
	Hints         bool
	Logger        *slog.Logger
}

type Agent struct {
	node     *node.Context
	transfer *service.TransferService
	queue    *service.QueueService
	upstream Upstream
	opts     Options
	trigger  chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// Report summarizes one sync cycle.
type Report struct {
	// Deferred is set when the upstream was unreachable and the cycle
	// stopped early. Unreachable is not an error.
	Deferred   bool
	Uploaded   int
	Synced     int
	Conflicted int
	Rejected   int
	Downloaded service.DownloadStats
}

func New(nc *node.Context, transfer *service.TransferService, queue *service.QueueService, upstream Upstream, opts Options) *Agent {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Agent{
		node:     nc,
		transfer: transfer,
		queue:    queue,
		upstream: upstream,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
		logger:   logging.Component(opts.Logger, "agent"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger asks for a cycle as soon as possible. Triggers that arrive while
// one is pending are dropped.
func (a *Agent) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Run recovers entries left in transit by a crash and then syncs on every
// tick, every trigger, every reconnection and every hint until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.queue.RecoverInTransit(ctx); err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}

	if a.opts.ProbeInterval > 0 {
		go a.probeLoop(ctx)
	}
	if a.opts.Hints {
		go a.hintLoop(ctx)
	}

	a.Trigger()

	var tick <-chan time.Time
	if a.opts.Interval > 0 {
		ticker := time.NewTicker(a.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-a.trigger:
		}
		a.runLogged(ctx)
	}
}

func (a *Agent) runLogged(ctx context.Context) {
	report, err := a.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
	case err != nil:
		a.logger.Error("sync cycle failed", slog.Any("error", err))
	case report.Deferred:
		a.logger.Debug("sync cycle deferred, upstream unreachable")
	default:
		a.logger.Info("sync cycle complete",
			slog.Int("uploaded", report.Uploaded),
			slog.Int("synced", report.Synced),
			slog.Int("conflicted", report.Conflicted),
			slog.Int("rejected", report.Rejected),
			slog.Int("downloaded", report.Downloaded.Applied),
			slog.Int("redirects", report.Downloaded.Redirected))
	}
}

// probeLoop watches the upstream and starts a cycle as soon as it comes
// back online.
func (a *Agent) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.node.SetReachable(a.probe(ctx)) {
			a.logger.Info("upstream reachable")
			a.Trigger()
		}
	}
}

func (a *Agent) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	_, err := a.upstream.Health(pctx)
	return err == nil
}

func (a *Agent) hintLoop(ctx context.Context) {
	delay := time.Second
	for ctx.Err() == nil {
		start := a.now()
		err := a.upstream.ListenHints(ctx, a.opts.Scopes, func(h websocket.SyncHintPayload) {
			a.logger.Debug("sync hint", slog.String("scope", h.Scope), slog.String("reason", h.Reason))
			a.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		if a.now().Sub(start) > time.Minute {
			delay = time.Second
		}
		a.logger.Debug("hint stream closed", slog.Any("error", err), slog.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; a.opts.Interval > 0 && delay > a.opts.Interval {
			delay = a.opts.Interval
		}
	}
}

// RunCycle runs one complete sync cycle: probe, download every scope, then
// upload every due entry. Only one cycle runs at a time.
func (a *Agent) RunCycle(ctx context.Context) (*Report, error) {
	if !a.node.TryBegin() {
		return nil, ErrCycleInProgress
	}
	defer a.node.End()

	report := &Report{}
	if !a.probe(ctx) {
		a.node.SetReachable(false)
		report.Deferred = true
		return report, nil
	}
	a.node.SetReachable(true)

	ok, err := a.download(ctx, report)
	if err != nil || !ok {
		return report, err
	}
	ok, err = a.upload(ctx, report)
	if err != nil || !ok {
		return report, err
	}

	a.node.MarkSuccess(a.now())
	return report, nil
}

// upload drains the queue for the upstream. It returns false when the
// upstream went away mid-way.
func (a *Agent) upload(ctx context.Context, report *Report) (bool, error) {
	for i := 0; i < maxBatchesPerCycle; i++ {
		out, err := a.transfer.PrepareUpload(ctx, a.opts.Peer, a.opts.BatchSize)
		if err != nil {
			return false, err
		}
		if out == nil {
			return true, nil
		}

		outcomes, err := a.send(ctx, out)
		if err != nil {
			a.node.SetReachable(false)
			report.Deferred = true
			a.logger.Warn("upload failed, entries released",
				slog.String("batch_id", out.Request.BatchID),
				slog.Int("records", len(out.Request.Records)),
				slog.Any("error", err))
			return false, a.transfer.ReleaseAll(ctx, out, err.Error())
		}

		if err := a.transfer.ApplyOutcomes(ctx, out, outcomes); err != nil {
			return false, err
		}
		report.Uploaded += len(out.Request.Records)
		for _, o := range outcomes {
			switch o.Outcome {
			case domain.OutcomeSynced:
				report.Synced++
			case domain.OutcomeConflicted:
				report.Conflicted++
			case domain.OutcomeRejected:
				report.Rejected++
			}
		}

		if len(out.Request.Records) < a.opts.BatchSize {
			return true, nil
		}
	}
	return true, nil
}

// send uploads a batch. When the response is lost, the outcomes the
// upstream recorded before the failure are recovered from the batch
// record, and entries it never decided stay claimed for ApplyOutcomes to
// release.
func (a *Agent) send(ctx context.Context, out *service.Outbound) ([]domain.RecordOutcome, error) {
	uctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	resp, err := a.upstream.Upload(uctx, out.Request)
	cancel()
	if err == nil {
		return resp.Outcomes, nil
	}

	qctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	batch, qerr := a.upstream.BatchOutcome(qctx, out.Request.BatchID)
	if qerr != nil || len(batch.Outcomes) == 0 {
		return nil, err
	}
	a.logger.Info("recovered batch outcomes",
		slog.String("batch_id", out.Request.BatchID),
		slog.Int("decided", len(batch.Outcomes)),
		slog.Int("records", len(out.Request.Records)))
	return batch.Outcomes, nil
}

func (a *Agent) download(ctx context.Context, report *Report) (bool, error) {
	for _, scope := range a.opts.Scopes {
		dctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		resp, err := a.upstream.Download(dctx, scope)
		cancel()
		if err != nil {
			if !transport.IsRetryable(err) {
				a.logger.Error("download refused", slog.String("scope", scope), slog.Any("error", err))
				continue
			}
			a.node.SetReachable(false)
			report.Deferred = true
			a.logger.Warn("download failed", slog.String("scope", scope), slog.Any("error", err))
			return false, nil
		}

		stats, err := a.transfer.ApplyDownload(ctx, resp)
		if err != nil {
			return false, fmt.Errorf("failed to apply download of %s: %w", scope, err)
		}
		report.Downloaded.Applied += stats.Applied
		report.Downloaded.Skipped += stats.Skipped
		report.Downloaded.Redirected += stats.Redirected
	}
	return true, nil
}
