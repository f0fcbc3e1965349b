// Package crawl adapts the external schema-crawler command to the
// jobs.Runner contract. The command does the actual crawling and schema
// generation; this package only launches it, relays its progress stream
// and stores the archive it produces.
package crawl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"schemagend/internal/jobs"
	"schemagend/internal/storage"
)

const (
	artifactName    = "schema_output.zip"
	zipContentType  = "application/zip"
	maxStderrReason = 512
)

// ScriptConfig parameterizes the external crawler invocation.
type ScriptConfig struct {
	// Command is the crawler executable; resolved via PATH if not absolute.
	Command string
	// ExtraArgs are passed before the generated per-job flags.
	ExtraArgs []string
	// WorkdirRoot is where per-job scratch directories are created;
	// defaults to the system temp directory.
	WorkdirRoot string
	// ArtifactPrefix namespaces uploaded archives in the artifact store.
	ArtifactPrefix string
}

// ScriptRunner launches the crawler command once per job. The command must
// write progress to stdout, one event per line, and leave its result archive
// at the path given by --output.
type ScriptRunner struct {
	cfg       ScriptConfig
	artifacts storage.Provider
	logger    *zap.Logger
}

// NewScriptRunner validates the configuration and constructs a runner.
func NewScriptRunner(cfg ScriptConfig, artifacts storage.Provider, logger *zap.Logger) (*ScriptRunner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("crawler command is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = os.TempDir()
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = "artifacts"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptRunner{cfg: cfg, artifacts: artifacts, logger: logger}, nil
}

// progressLine is the JSON shape the crawler emits per stdout line. Lines
// that do not parse are relayed verbatim at info level.
type progressLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Run implements jobs.Runner. It blocks until the command exits, relaying
// stdout lines to the sink as they arrive. On success the produced archive
// is moved into the artifact store and the scratch directory is returned as
// the cleanup handle.
func (r *ScriptRunner) Run(ctx context.Context, params jobs.Params, sink jobs.Sink) (jobs.Artifact, error) {
	workdir, err := os.MkdirTemp(r.cfg.WorkdirRoot, "schemagen-")
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("create workdir: %w", err)
	}
	artifact := jobs.Artifact{CleanupDir: workdir}

	outputPath := filepath.Join(workdir, artifactName)
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.buildArgs(params, workdir, outputPath)...)
	cmd.Env = append(os.Environ(), "OPENAI_API_KEY="+params.APIKey)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return artifact, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return artifact, fmt.Errorf("start crawler: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.relay(sink, scanner.Text())
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		return artifact, crawlError(err, stderr.Bytes())
	}
	if scanErr != nil {
		return artifact, fmt.Errorf("read crawler output: %w", scanErr)
	}

	locator, err := r.storeArtifact(ctx, workdir, outputPath)
	if err != nil {
		return artifact, err
	}
	artifact.Locator = locator
	return artifact, nil
}

func (r *ScriptRunner) relay(sink jobs.Sink, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var evt progressLine
	if err := json.Unmarshal([]byte(line), &evt); err == nil && evt.Message != "" {
		sink.Report(jobs.ParseLevel(evt.Level), evt.Message)
		return
	}
	sink.Report(jobs.LevelInfo, line)
}

func (r *ScriptRunner) buildArgs(params jobs.Params, workdir, outputPath string) []string {
	args := append([]string(nil), r.cfg.ExtraArgs...)
	args = append(args,
		"--base-url", params.BaseURL,
		"--output-dir", filepath.Join(workdir, "output"),
		"--output", outputPath,
		"--max-pages", strconv.Itoa(params.MaxPages),
		"--rate-limit", strconv.FormatFloat(params.RateLimit, 'f', -1, 64),
		"--timeout", strconv.Itoa(params.TimeoutSeconds),
		"--model", params.Model,
		"--progress-json",
	)
	if params.SitemapURL != "" {
		args = append(args, "--sitemap-url", params.SitemapURL)
	}
	if params.AllowSubdomains {
		args = append(args, "--allow-subdomains")
	}
	return args
}

func (r *ScriptRunner) storeArtifact(ctx context.Context, workdir, outputPath string) (string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("crawler produced no output archive")
		}
		return "", fmt.Errorf("open output archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			r.logger.Warn("close output archive failed", zap.Error(closeErr))
		}
	}()

	storePath := fmt.Sprintf("%s/%s.zip", r.cfg.ArtifactPrefix, filepath.Base(workdir))
	locator, err := r.artifacts.Put(ctx, storePath, zipContentType, f)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return locator, nil
}

// crawlError derives a human-readable failure reason, preferring the last
// stderr line the crawler printed over the bare exit status.
func crawlError(waitErr error, stderr []byte) error {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	reason := strings.TrimSpace(lines[len(lines)-1])
	if reason == "" {
		return fmt.Errorf("crawler failed: %w", waitErr)
	}
	if len(reason) > maxStderrReason {
		reason = reason[:maxStderrReason]
	}
	return fmt.Errorf("%s", reason)
}
