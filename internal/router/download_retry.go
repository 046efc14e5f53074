package router

import (
	"context"
	"fmt"
	"strconv"

	"genrelay/internal/logging"
	"genrelay/internal/messages"
	"genrelay/internal/retry"
)

func downloadKey(url, fileName string) string {
	return url + "|" + fileName
}

// scheduleDownloadRetry re-emits DOWNLOAD_IMAGE after a backoff delay, or
// emits a terminal DOWNLOAD_FAILED once the attempts for this key are spent.
func (r *Router) scheduleDownloadRetry(ctx context.Context, payload messages.ErrorPayload) Outcome {
	url, fileName := payload.Context.URL, payload.Context.FileName
	key := downloadKey(url, fileName)
	errCtx := &messages.ErrorContext{URL: url, FileName: fileName}

	r.mu.Lock()
	attempts := r.attempts[key]
	if attempts >= r.backoff.MaxAttempts || r.closed {
		r.mu.Unlock()
		detail := fmt.Sprintf("download failed after %d retries", attempts)
		logging.WarnWithContext(r.logger, "download retries exhausted", "download_failed",
			logging.String("url", url),
			logging.String("file_name", fileName),
			logging.Int("attempt", attempts),
			logging.String(logging.FieldImpact, "image was not saved"),
			logging.String(logging.FieldErrorHint, "check the download directory and network, then retry the job"),
		)
		env := &messages.ErrorEnvelope{Code: messages.CodeDownloadFailed, Message: detail, Context: errCtx, JobID: payload.JobID}
		if err := r.emitter.Emit(ctx, env.Outbound()); err != nil {
			r.logger.Debug("terminal download error had no listener", logging.Error(err))
		}
		return Outcome{Effect: EffectRejected, Code: messages.CodeDownloadFailed, Detail: detail}
	}
	delay := retry.Delay(r.backoff.BaseDelay, r.backoff.Factor, attempts)
	r.attempts[key] = attempts + 1
	entry := &pendingRetry{}
	if prev := r.pending[key]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	r.pending[key] = entry
	r.mu.Unlock()

	r.logger.Info("download retry scheduled",
		logging.String("url", url),
		logging.String("file_name", fileName),
		logging.Int("attempt", attempts+1),
		logging.Duration("delay", delay),
		logging.String(logging.FieldEventType, "download_retry_scheduled"),
	)

	timer := r.clock.AfterFunc(delay, func() { r.fireDownloadRetry(key, entry, url, fileName) })
	r.mu.Lock()
	if r.pending[key] == entry {
		entry.timer = timer
	}
	r.mu.Unlock()
	return Outcome{Effect: EffectScheduled, Delay: delay}
}

func (r *Router) fireDownloadRetry(key string, entry *pendingRetry, url, fileName string) {
	r.mu.Lock()
	if r.closed || r.pending[key] != entry {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	out := messages.MustNew(messages.TypeDownloadImage, messages.DownloadImage{URL: url, FileName: fileName})
	if err := r.emitter.Emit(context.Background(), out); err != nil {
		r.logger.Debug("download retry had no listener", logging.String("url", url), logging.Error(err))
	}
}

// ClearDownloadRetry forgets retry state for a download that succeeded.
func (r *Router) ClearDownloadRetry(url, fileName string) {
	key := downloadKey(url, fileName)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
	if p := r.pending[key]; p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.pending, key)
	}
}

// DownloadAttempts returns the retries scheduled so far for a download.
func (r *Router) DownloadAttempts(url, fileName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[downloadKey(url, fileName)]
}

func itoa(n int) string { return strconv.Itoa(n) }
