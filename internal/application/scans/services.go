package scans

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bryanwahyu/scanrelay/internal/application"
	"github.com/bryanwahyu/scanrelay/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// maxRunningList bounds the polling fallback listing.
const maxRunningList = 100

var tracer = otel.Tracer("scanrelay/scans")

// Service implements use-cases untuk Scan: trigger a remote scan job and
// ingest its outcome. Safe for concurrent use; callbacks for the same scan
// are applied one at a time.
type Service struct {
	Store      domain.Store
	Dispatcher domain.Dispatcher
	Publisher  domain.Publisher

	// optional collaborators
	Archive domain.CallbackArchive
	Errors  scanerrors.Repository
	Metrics Recorder
	Clock   application.Clock
	Log     *zap.SugaredLogger

	// CallbackURL and CallbackToken are handed to the worker with every job.
	CallbackURL   string
	CallbackToken string

	locks keyedMutex
}

// Recorder receives orchestration outcomes for metrics.
type Recorder interface {
	ScanTriggered(outcome string)
	CallbackIngested(status domain.Status, applied bool)
}

//
// ==== USE CASES ====
//

// Trigger creates a pending scan and asks the remote worker to run it.
// The scan is persisted before dispatch, so a failed dispatch still leaves
// a failed scan in history; in that case the failed scan is returned along
// with the error.
func (s *Service) Trigger(ctx context.Context, sourceURL string) (_ *domain.Scan, err error) {
	ctx, span := tracer.Start(ctx, "scans.trigger", trace.WithAttributes(attribute.String("source_url", sourceURL)))
	defer func() { endSpan(span, err) }()

	canonical, err := domain.ParseTarget(sourceURL)
	if err != nil {
		s.logger().Warnw("invalid target", "source_url", sourceURL, "error", err)
		s.record("invalid")
		return nil, err
	}
	span.SetAttributes(attribute.String("repository", canonical))

	scan, err := s.Store.Create(ctx, sourceURL, canonical)
	if err != nil {
		s.record("error")
		return nil, err
	}
	log := s.logger().With("scan_id", scan.ID, "repository", canonical)
	log.Infow("scan created", "source_url", sourceURL)

	// the worker may be dispatched even if the HTTP client goes away
	dctx := context.WithoutCancel(ctx)

	err = s.Dispatcher.CheckTarget(dctx, canonical)
	if err == nil {
		err = s.Dispatcher.Dispatch(dctx, domain.JobSpec{
			ScanID:        scan.ID,
			SourceURL:     sourceURL,
			CanonicalName: canonical,
			CallbackURL:   s.CallbackURL,
			CallbackToken: s.CallbackToken,
		})
	}
	if err != nil {
		failed, ferr := s.failDispatch(dctx, scan, err)
		if ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return failed, err
	}

	unlock := s.locks.lock(scan.ID)
	running, applied, terr := s.Store.Transition(dctx, scan.ID, domain.StatusRunning, domain.TerminalFields{})
	unlock()
	if terr != nil {
		log.Errorw("mark running failed", "error", terr)
		s.record("error")
		return scan, terr
	}
	if !applied {
		// the worker already reported back
		log.Infow("running transition skipped", "status", running.Status)
	}
	s.publish(running)
	s.record("dispatched")
	log.Infow("scan dispatched")
	return running, nil
}

// failDispatch marks the scan failed and records why. When the failed status
// cannot be stored, nothing is published and the storage error is returned.
func (s *Service) failDispatch(ctx context.Context, scan *domain.Scan, cause error) (*domain.Scan, error) {
	log := s.logger().With("scan_id", scan.ID, "repository", scan.CanonicalName)
	log.Warnw("dispatch failed", "error", cause)
	s.record(dispatchOutcome(cause))

	msg := cause.Error()
	unlock := s.locks.lock(scan.ID)
	failed, _, err := s.Store.Transition(ctx, scan.ID, domain.StatusFailed, domain.TerminalFields{
		CompletedAt:  s.now(),
		ErrorMessage: &msg,
	})
	unlock()
	if err != nil {
		log.Errorw("mark failed failed", "error", err)
		return nil, err
	}

	var attempts int
	var de *domain.DispatchError
	if errors.As(cause, &de) {
		attempts = de.Attempts
	}
	s.saveError(ctx, scan.ID, scanerrors.PhaseDispatch, msg, map[string]any{
		"repository": scan.CanonicalName,
		"attempts":   attempts,
	})
	s.publish(failed)
	return failed, nil
}

// IngestBody validates a raw callback body and ingests it.
func (s *Service) IngestBody(ctx context.Context, body []byte) (*domain.Scan, error) {
	cb, err := domain.ParseCallback(body)
	if err != nil {
		s.logger().Warnw("callback rejected", "error", err)
		return nil, err
	}
	return s.Ingest(ctx, cb)
}

// LegacyIngest serves the older webhook route with identical semantics.
func (s *Service) LegacyIngest(ctx context.Context, body []byte) (*domain.Scan, error) {
	return s.IngestBody(ctx, body)
}

// Ingest applies a worker callback. An unknown scan is rejected before any
// write. Replaying the same callback converges on the same stored state:
// the terminal transition becomes a no-op and findings are fully replaced.
func (s *Service) Ingest(ctx context.Context, cb domain.Callback) (_ *domain.Scan, err error) {
	id := cb.Scan()
	ctx, span := tracer.Start(ctx, "scans.ingest", trace.WithAttributes(
		attribute.String("scan_id", string(id)),
		attribute.String("callback_status", string(cb.Target())),
	))
	defer func() { endSpan(span, err) }()
	log := s.logger().With("scan_id", id, "callback_status", cb.Target())

	unlock := s.locks.lock(id)
	defer unlock()

	cur, err := s.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrScanNotFound) {
			log.Warnw("callback for unknown scan")
		}
		return nil, err
	}

	// a completion may beat the running transition of Trigger
	if cb.Target() == domain.StatusCompleted && cur.Status == domain.StatusPending {
		if _, _, err := s.Store.Transition(ctx, id, domain.StatusRunning, domain.TerminalFields{}); err != nil {
			return nil, err
		}
	}

	now := s.now()
	updated, applied, err := s.Store.Transition(ctx, id, cb.Target(), cb.Fields(now))
	if err != nil {
		log.Errorw("apply callback failed", "error", err)
		return nil, err
	}
	if !applied {
		log.Infow("callback did not change status", "status", updated.Status)
	}

	if done, ok := cb.(*domain.CompletedCallback); ok && updated.Status == domain.StatusCompleted && len(done.Findings) > 0 {
		if err := s.Store.ReplaceFindings(ctx, id, done.Findings); err != nil {
			log.Errorw("replace findings failed", "error", err)
			return nil, err
		}
	}
	if failed, ok := cb.(*domain.FailedCallback); ok && applied {
		s.saveError(ctx, id, scanerrors.PhaseCallback, failed.ErrorMessage, nil)
	}

	if s.Archive != nil && len(cb.Body()) > 0 {
		if key, err := s.Archive.Archive(ctx, id, cb.Body()); err != nil {
			log.Warnw("archive callback failed", "error", err)
		} else {
			log.Debugw("callback archived", "key", key)
		}
	}

	final, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.CallbackIngested(cb.Target(), applied)
	}
	span.SetAttributes(attribute.Bool("applied", applied))
	s.publish(final)
	log.Infow("callback ingested", "status", final.Status, "applied", applied)
	return final, nil
}

// List scans, newest first.
func (s *Service) List(ctx context.Context, f domain.ListFilter) ([]*domain.Scan, error) {
	return s.Store.List(ctx, f)
}

// Running is the polling fallback for observers without a push channel.
func (s *Service) Running(ctx context.Context) ([]*domain.Scan, error) {
	return s.Store.List(ctx, domain.ListFilter{Status: domain.StatusRunning, Limit: maxRunningList})
}

// Get ambil 1 scan by id
func (s *Service) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Store.Get(ctx, id)
}

// Findings returns the findings of a scan, most severe first.
func (s *Service) Findings(ctx context.Context, id domain.ScanID) ([]domain.Finding, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	fs, err := s.Store.FindingsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	domain.SortBySeverity(fs)
	return fs, nil
}

// Stats returns the scan rollup per status.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.Store.AggregateStats(ctx)
}

// FindingStats returns the finding rollup per severity.
func (s *Service) FindingStats(ctx context.Context) (domain.FindingStats, error) {
	return s.Store.FindingStats(ctx)
}

// ScanErrors lists recorded errors of a scan, newest first.
func (s *Service) ScanErrors(ctx context.Context, id domain.ScanID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.Errors == nil {
		return []*scanerrors.ScanError{}, nil
	}
	return s.Errors.ListByScan(ctx, string(id), limit)
}

// helper

func (s *Service) saveError(ctx context.Context, id domain.ScanID, phase, msg string, details map[string]any) {
	if s.Errors == nil {
		return
	}
	var detailsJSON string
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	if err := s.Errors.Save(ctx, &scanerrors.ScanError{
		ScanID:      string(id),
		Phase:       phase,
		Message:     msg,
		DetailsJSON: detailsJSON,
		CreatedAt:   s.now(),
	}); err != nil {
		s.logger().Warnw("save scan error failed", "scan_id", id, "error", err)
	}
}

func (s *Service) publish(scan *domain.Scan) {
	if s.Publisher == nil || scan == nil {
		return
	}
	s.Publisher.Publish(domain.ScanUpdate(scan))
}

func (s *Service) record(outcome string) {
	if s.Metrics != nil {
		s.Metrics.ScanTriggered(outcome)
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return application.SystemClock{}.Now()
	}
	return s.Clock.Now()
}

func (s *Service) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func dispatchOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrTargetNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDispatchUnavailable) && !errors.Is(err, domain.ErrDispatchFailed):
		return "unavailable"
	default:
		return "dispatch_failed"
	}
}
