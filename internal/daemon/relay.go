package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genrelay/internal/jobs"
	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/notifications"
	"genrelay/internal/store"
)

// relayEmitter sends outbound messages through the hub. DOWNLOAD_IMAGE is
// executed locally when a downloader is configured.
type relayEmitter struct {
	d *Daemon
}

func (e relayEmitter) Emit(ctx context.Context, msg messages.Message) error {
	if msg.Type == messages.TypeDownloadImage && e.d.fetcher != nil {
		p, err := messages.Decode[messages.DownloadImage](msg)
		if err != nil {
			return err
		}
		if !e.d.startDownload(p.URL, p.FileName) {
			return ErrNotRunning
		}
		// Control clients only observe the request.
		_ = e.d.outbound.Emit(ctx, msg)
		return nil
	}
	return e.d.outbound.Emit(ctx, msg)
}

func (d *Daemon) startDownload(url, fileName string) bool {
	d.dlMu.Lock()
	if d.dlClosed || !d.running.Load() {
		d.dlMu.Unlock()
		return false
	}
	d.downloads.Add(1)
	d.dlMu.Unlock()

	ctx := d.runContext()
	go func() {
		defer d.downloads.Done()
		d.download(ctx, url, fileName)
	}()
	return true
}

// download runs one attempt. A failure re-enters Dispatch as an ERROR so the
// router can schedule the next attempt.
func (d *Daemon) download(ctx context.Context, url, fileName string) {
	timeout := d.cfg.Download.Timeout()
	if timeout <= 0 {
		timeout = time.Minute
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := d.fetcher.Download(attemptCtx, url, fileName)
	if err == nil {
		d.router.ClearDownloadRetry(url, fileName)
		d.logger.Info("image downloaded",
			logging.String(logging.FieldEventType, "download_completed"),
			logging.String("download_id", id),
			logging.String("file_name", fileName),
		)
		return
	}
	if ctx.Err() != nil {
		d.logger.Debug("download abandoned on shutdown", logging.String("file_name", fileName))
		return
	}
	d.recordError(err)
	logging.WarnWithContext(d.logger, "image download failed", "download_failed",
		logging.String("file_name", fileName),
		logging.Int("attempt", d.router.DownloadAttempts(url, fileName)+1),
		logging.Error(err),
		logging.String(logging.FieldImpact, "the download is retried with backoff"),
		logging.String(logging.FieldErrorHint, "check the image URL and the download directory"),
	)
	if d.router.DownloadAttempts(url, fileName) >= d.cfg.Download.MaxAttempts {
		_ = d.notifier.Publish(ctx, notifications.EventDownloadFailed, notifications.Payload{
			"fileName": fileName,
			"error":    err.Error(),
		})
	}

	failure := messages.NewError(messages.CodeDownloadFailed, err.Error(), &messages.ErrorContext{
		URL:      url,
		FileName: fileName,
	})
	if _, err := d.Dispatch(ctx, failure); err != nil && !errors.Is(err, ErrNotRunning) {
		d.logger.Debug("download failure not dispatched", logging.Error(err))
	}
}

// jobTracker persists router-observed job lifecycle.
type jobTracker struct {
	store  *store.Store
	kv     store.KV
	logger *slog.Logger
}

func (t jobTracker) JobStarted(ctx context.Context, job jobs.Job) error {
	return t.store.UpsertJob(ctx, job)
}

func (t jobTracker) JobProgress(ctx context.Context, id string, progress jobs.Progress) error {
	return t.store.UpdateProgress(ctx, id, progress)
}

// JobFinished records the terminal status first. A stale paused entry is only
// logged: the login manager drops entries for finished jobs on resume.
func (t jobTracker) JobFinished(ctx context.Context, id string, status jobs.Status, detail string) error {
	if err := t.store.UpdateStatus(ctx, id, status, detail); err != nil {
		return err
	}
	if _, err := store.RemovePaused(ctx, t.kv, id); err != nil {
		logging.WarnWithContext(t.logger, "paused entry not cleared for finished job", "paused_cleanup_failed",
			logging.JobID(id),
			logging.String("status", string(status)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a stale paused entry remains until the next resume"),
			logging.String(logging.FieldErrorHint, "check the paused-job storage backend"),
		)
	}
	return nil
}
