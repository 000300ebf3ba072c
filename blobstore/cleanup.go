package blobstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// CleanupResult describes one retention sweep.
type CleanupResult struct {
	Cutoff   time.Time
	Scanned  int
	Deleted  int
	Logs     int
	Duration time.Duration
}

// Cleanup deletes every entry whose entry id is older than the retention
// horizon, then recomputes the watermarks of the logs it touched from what
// remains.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	res := CleanupResult{Cutoff: s.cfg.Clock().Add(-s.cfg.Retention)}
	if err := s.checkOpen(); err != nil {
		return res, err
	}
	start := time.Now()

	var expired []wire.BlobKey
	err := s.backend.ScanKeys(ctx, func(key wire.BlobKey) error {
		res.Scanned++
		if key.Entry.Time().Before(res.Cutoff) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return res, s.cleanupFailed(err)
	}

	touched := make(map[wire.LogID]struct{})
	for len(expired) > 0 {
		n := min(len(expired), s.cfg.DeleteBatchSize)
		batch := expired[:n]
		if err := s.backend.Delete(ctx, batch); err != nil {
			return res, s.cleanupFailed(err)
		}
		for _, key := range batch {
			touched[key.LogID()] = struct{}{}
		}
		res.Deleted += n
		expired = expired[n:]
	}

	if len(touched) > 0 {
		if err := s.recomputeWatermarks(ctx, touched); err != nil {
			return res, s.cleanupFailed(err)
		}
	}
	res.Logs = len(touched)
	res.Duration = time.Since(start)

	s.metrics.RecordCleanup(res.Deleted)
	s.metrics.RecordSyncDuration(string(mberrors.OpCleanup), res.Duration)
	s.logger.InfoContext(ctx, "cleanup completed",
		slog.Time("cutoff", res.Cutoff),
		slog.Int("scanned", res.Scanned),
		slog.Int("deleted", res.Deleted),
		slog.Int("logs", res.Logs),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (s *Store) cleanupFailed(err error) error {
	s.metrics.RecordSyncErrors(string(mberrors.OpCleanup), string(mberrors.CodeOf(err)))
	return mberrors.WrapOpComponent(err, mberrors.OpCleanup, component)
}

func (s *Store) recomputeWatermarks(ctx context.Context, logs map[wire.LogID]struct{}) error {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()

	set := make(map[wire.LogID]wire.Seq)
	var remove []wire.LogID
	for id := range logs {
		seqs, err := s.backend.LogSeqs(ctx, id.Topic, id.Author)
		if err != nil {
			return err
		}
		if len(seqs) == 0 {
			remove = append(remove, id)
			continue
		}
		set[id] = seqs[len(seqs)-1]
	}
	return s.backend.AdjustWatermarks(ctx, set, remove)
}

// RebuildWatermarks recomputes the watermark table from every stored key and
// overwrites it. It runs at open so a table left stale by a crash is never
// trusted.
func (s *Store) RebuildWatermarks(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.cfg.Logger.LogOperation(ctx, logging.Operation(mberrors.OpRebuild), logging.Component(component), func() error {
		s.watermarkMu.Lock()
		defer s.watermarkMu.Unlock()

		wm := make(map[wire.LogID]wire.Seq)
		blobs := 0
		err := s.backend.ScanKeys(ctx, func(key wire.BlobKey) error {
			blobs++
			id := key.LogID()
			if cur, ok := wm[id]; !ok || key.Seq > cur {
				wm[id] = key.Seq
			}
			return nil
		})
		if err == nil {
			err = s.backend.ReplaceWatermarks(ctx, wm)
		}
		if err != nil {
			return mberrors.WrapOpComponent(err, mberrors.OpRebuild, component)
		}

		s.logger.DebugContext(ctx, "rebuilt watermarks",
			slog.Int("blobs", blobs),
			slog.Int("logs", len(wm)),
		)
		return nil
	})
}

// RunCleanup sweeps once immediately and then on every CleanupInterval, or
// on every tick of CleanupSchedule when set, until ctx ends. Sweep failures
// are logged and retried on the next tick.
func (s *Store) RunCleanup(ctx context.Context) error {
	s.logger.InfoContext(ctx, "cleanup loop started",
		slog.Duration("retention", s.cfg.Retention),
		slog.Duration("interval", s.cfg.CleanupInterval),
		slog.String("schedule", s.cfg.CleanupSchedule),
	)
	for {
		if _, err := s.Cleanup(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.LogError(ctx, err, "cleanup failed")
		}

		timer := time.NewTimer(s.nextCleanup(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "cleanup loop stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Store) nextCleanup(ctx context.Context) time.Duration {
	if s.cfg.CleanupSchedule == "" {
		return s.cfg.CleanupInterval
	}
	now := time.Now().UTC()
	next, err := gronx.NextTickAfter(s.cfg.CleanupSchedule, now, false)
	if err != nil {
		s.logger.LogError(ctx, err, "cleanup schedule next tick failed",
			slog.String("schedule", s.cfg.CleanupSchedule))
		return s.cfg.CleanupInterval
	}
	return next.Sub(now)
}
