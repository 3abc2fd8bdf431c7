package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanrelay/internal/application"
	"github.com/bryanwahyu/scanrelay/internal/domain/ai"
	"github.com/bryanwahyu/scanrelay/internal/domain/analyst"
	"github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

var (
	// ErrDisabled means no AI provider is configured.
	ErrDisabled = errors.New("ai analysis disabled")
	// ErrScanNotCompleted means the scan has no final findings yet.
	ErrScanNotCompleted = errors.New("scan is not completed")
)

// ScanReader is the part of the scan service analysis needs.
type ScanReader interface {
	Get(ctx context.Context, id scans.ScanID) (*scans.Scan, error)
	Findings(ctx context.Context, id scans.ScanID) ([]scans.Finding, error)
}

// Service produces AI triage summaries of completed scans.
type Service struct {
	scans  ScanReader
	repo   analyst.Repository
	client ai.Client
	clock  application.Clock
	log    *zap.SugaredLogger
}

// NewService wires the analysis use case. A nil client disables it.
func NewService(reader ScanReader, repo analyst.Repository, client ai.Client, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{scans: reader, repo: repo, client: client, clock: application.SystemClock{}, log: log}
}

func (s *Service) Enabled() bool { return s.client != nil }

// Analyze asks the model to triage the findings of a completed scan and
// stores the answer.
func (s *Service) Analyze(ctx context.Context, id scans.ScanID) (*analyst.Analysis, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	scan, err := s.scans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if scan.Status != scans.StatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrScanNotCompleted, scan.Status)
	}
	findings, err := s.scans.Findings(ctx, id)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	out, err := s.client.Analyze(ctx, ai.Request{ScanID: id, Repository: scan.CanonicalName, Findings: findings})
	if err != nil {
		s.log.Warnw("ai analysis failed", "scan_id", id, "error", err)
		return nil, err
	}
	s.log.Infow("ai analysis done", "scan_id", id, "model", s.client.ModelName(),
		"findings", len(findings), "took", time.Since(started))

	a := &analyst.Analysis{
		ScanID:    string(id),
		Model:     s.client.ModelName(),
		Result:    out,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Latest returns the newest stored analysis of a scan.
func (s *Service) Latest(ctx context.Context, id scans.ScanID) (*analyst.Analysis, error) {
	if _, err := s.scans.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.LatestByScan(ctx, string(id))
}
