package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// RemoteAPI is the CI system that hosts both the scanned repositories and the
// scan workflow.
type RemoteAPI interface {
	// RepoExists returns nil when the repository is reachable.
	RepoExists(ctx context.Context, canonicalName string) error
	// TriggerWorkflow asks the CI system to start the scan workflow.
	TriggerWorkflow(ctx context.Context, job domain.JobSpec) error
}

// GitHubConfig points the client at the repository holding the scan workflow.
type GitHubConfig struct {
	BaseURL  string // default https://api.github.com
	Token    string
	Owner    string
	Repo     string
	Workflow string // workflow file name or id
	Ref      string // default main
	Timeout  time.Duration
}

// GitHub triggers workflow_dispatch runs through the GitHub REST API.
type GitHub struct {
	cfg    GitHubConfig
	client *http.Client
}

var _ RemoteAPI = (*GitHub)(nil)

func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GitHub{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// StatusError is a non-success answer from the API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

func (g *GitHub) RepoExists(ctx context.Context, canonicalName string) error {
	owner, name, ok := strings.Cut(canonicalName, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTarget, canonicalName)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s", g.cfg.BaseURL, url.PathEscape(owner), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := g.do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: repository %s", domain.ErrTargetNotFound, canonicalName)
	default:
		return fmt.Errorf("%w: %w", domain.ErrDispatchUnavailable, statusError("check repository", resp))
	}
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

func (g *GitHub) TriggerWorkflow(ctx context.Context, job domain.JobSpec) error {
	body, err := json.Marshal(dispatchRequest{
		Ref: g.cfg.Ref,
		Inputs: map[string]string{
			"scan_id":        string(job.ScanID),
			"repository":     job.CanonicalName,
			"source_url":     job.SourceURL,
			"callback_url":   job.CallbackURL,
			"callback_token": job.CallbackToken,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		g.cfg.BaseURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo), url.PathEscape(g.cfg.Workflow))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: workflow %s/%s/%s", domain.ErrTargetNotFound, g.cfg.Owner, g.cfg.Repo, g.cfg.Workflow)
	default:
		return statusError("trigger workflow", resp)
	}
}

func (g *GitHub) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "scanrelay")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	return g.client.Do(req)
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
