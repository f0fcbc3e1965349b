package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status represents the lifecycle state of a crawl job.
type Status string

// Job status values held in the job store.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Level tags the severity of a progress event.
type Level string

// Supported progress levels.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps free-form level strings onto the closed level set.
// Unknown values fall back to info rather than failing, since they come
// from an external crawler we do not control.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is a single timestamped progress message reported during a job run.
type Event struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Record captures everything tracked for one submitted crawl job.
//
// A Record returned by the store is always a point-in-time snapshot; callers
// may inspect it freely but mutations never flow back into the store.
type Record struct {
	ID        string
	Status    Status
	Progress  []Event
	CreatedAt time.Time
	// CompletedAt is set exactly once, when the job reaches a terminal status.
	CompletedAt *time.Time
	// Error holds the failure description; set only when Status is failed.
	Error string
	// ResultLocator references the artifact in the configured store; set only
	// when Status is completed. It is never exposed to API clients.
	ResultLocator string
	// ResultFilename is the suggested download name for the artifact.
	ResultFilename string
	// CleanupDir is the job's scratch directory, released by the janitor.
	CleanupDir string
}

// Params holds the per-job crawl configuration requested by the client.
type Params struct {
	BaseURL         string  `json:"base_url"`
	SitemapURL      string  `json:"sitemap_url,omitempty"`
	MaxPages        int     `json:"max_pages"`
	RateLimit       float64 `json:"rate_limit"`
	TimeoutSeconds  int     `json:"timeout_seconds"`
	AllowSubdomains bool    `json:"allow_subdomains"`
	Model           string  `json:"model"`
	APIKey          string  `json:"-"`
}

// Validate enforces the structural requirements checked before any job is
// created. It is the only synchronous failure mode of Submit.
func (p Params) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidParams)
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url must be an absolute http(s) URL", ErrInvalidParams)
	}
	if p.SitemapURL != "" {
		if _, err := url.Parse(p.SitemapURL); err != nil {
			return fmt.Errorf("%w: sitemap_url is not a valid URL", ErrInvalidParams)
		}
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidParams)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must be >= 0", ErrInvalidParams)
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be >= 0", ErrInvalidParams)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("%w: an API key is required, provide api_key or configure a default", ErrInvalidParams)
	}
	return nil
}

// Artifact is what the external crawl runner hands back on success: a
// locator resolvable by the artifact store plus the scratch directory that
// must be released once the result has been delivered or abandoned.
type Artifact struct {
	Locator    string
	CleanupDir string
}

// Sink is the one-way progress channel handed to the external crawl runner.
// Implementations must be safe to call from the runner goroutine and must
// stay O(1) per report so they never throttle the crawl itself.
type Sink interface {
	Report(level Level, message string)
}

// Runner is the external crawl collaborator. Run blocks for the duration of
// the crawl, reports progress through the sink in chronological order, and
// either produces an artifact or fails with a descriptive error. It must not
// retain the sink beyond its own return.
type Runner interface {
	Run(ctx context.Context, params Params, sink Sink) (Artifact, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, params Params, sink Sink) (Artifact, error)

// Run invokes the wrapped function.
func (f RunnerFunc) Run(ctx context.Context, params Params, sink Sink) (Artifact, error) {
	return f(ctx, params, sink)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Notifier receives job terminal-state notifications.
type Notifier interface {
	JobFinished(ctx context.Context, jobID string, status Status, errText string) error
}

const maxFilenameDomainLen = 50

// ResultFilename derives the suggested download name for a job's artifact,
// e.g. schema_example.com_20260115_120000.zip.
func ResultFilename(baseURL string, now time.Time) string {
	domain := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	domain = strings.ReplaceAll(domain, "/", "_")
	if len(domain) > maxFilenameDomainLen {
		domain = domain[:maxFilenameDomainLen]
	}
	return fmt.Sprintf("schema_%s_%s.zip", domain, now.UTC().Format("20060102_150405"))
}
