// Package restic runs the restic command line program on behalf of the scheduler.
package restic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"rsched/internal/config"
	"rsched/internal/sched"
)

// Retention applied by Prune to every directory tag.
const keepCount = "72"

// Runner executes one restic invocation and returns its output. Tests replace
// it to avoid depending on a restic binary.
type Runner interface {
	Run(ctx context.Context, env []string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs the restic binary with os/exec.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, env []string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client implements sched.Tool for one repository.
type Client struct {
	runner Runner
	repo   sched.Repository
	env    []string
	logger sched.Logger
}

var _ sched.Tool = (*Client)(nil)

// NewClient creates a Client. The environment is the process environment
// plus the cache dir and extra variables from cfg, plus the repository and
// password when repo names one.
func NewClient(runner Runner, cfg config.ResticConfig, repo sched.Repository, logger sched.Logger) *Client {
	env := os.Environ()
	if cfg.CacheDir != "" {
		env = append(env, "RESTIC_CACHE_DIR="+cfg.CacheDir)
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	if repo.URL != "" {
		env = append(env, "RESTIC_REPOSITORY="+repo.URL, "RESTIC_PASSWORD="+repo.Password)
	}
	return &Client{runner: runner, repo: repo, env: env, logger: logger}
}

// NewToolFactory returns a sched.ToolFactory building Clients that share runner and cfg.
func NewToolFactory(runner Runner, cfg config.ResticConfig, logger sched.Logger) sched.ToolFactory {
	return func(repo sched.Repository) sched.Tool {
		return NewClient(runner, cfg, repo, logger)
	}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	if c.repo.NoLock {
		args = append(args, "--no-lock")
	}
	c.logger.Debug("running restic", "args", strings.Join(args, " "))
	stdout, stderr, err := c.runner.Run(ctx, c.env, args...)
	if err != nil {
		return stdout, stderr, &ExitError{Args: args, Err: err, Stderr: strings.TrimSpace(string(stderr))}
	}
	return stdout, stderr, nil
}

// ExitError reports a failed restic invocation.
type ExitError struct {
	Args   []string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	cmd := "restic"
	if len(e.Args) > 0 {
		cmd += " " + e.Args[0]
	}
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed: %v", cmd, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", cmd, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the process exit code, or -1 when the process did not exit normally.
func (e *ExitError) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (c *Client) ListSnapshots(ctx context.Context, tag string, latest int) ([]sched.Snapshot, error) {
	if tag == "" {
		return nil, fmt.Errorf("listing snapshots: tag is required")
	}
	args := []string{"snapshots", "--json", "--tag", tag}
	if latest > 0 {
		args = append(args, "--latest", strconv.Itoa(latest))
	}
	stdout, _, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseSnapshots(stdout)
}

func (c *Client) TagSnapshot(ctx context.Context, id, tag string, action sched.TagAction) error {
	if id == "" || tag == "" {
		return fmt.Errorf("tagging snapshot: id and tag are required")
	}
	flag := "--add"
	if action == sched.TagRemove {
		flag = "--remove"
	}
	_, _, err := c.run(ctx, "tag", id, flag, tag)
	return err
}

func (c *Client) Backup(ctx context.Context, path, tag, exclusions string, forceFullRead bool) (string, error) {
	args := []string{"backup", "--compression", "max", "--no-scan", "--skip-if-unchanged", "--json", "--quiet"}
	if forceFullRead {
		args = append(args, "--force", "--no-cache")
	}
	args = append(args, "--tag", tag)

	excludeFile, cleanup, err := writeExcludeFile(path, exclusions)
	if err != nil {
		return "", err
	}
	defer cleanup()
	if excludeFile != "" {
		args = append(args, "--iexclude-file", excludeFile)
	}
	args = append(args, path)

	stdout, stderr, runErr := c.run(ctx, args...)
	summary, parseErr := parseBackupOutput(stdout, stderr)
	if runErr != nil {
		return "", runErr
	}
	if parseErr != nil {
		return "", fmt.Errorf("backup of %s: %w", path, parseErr)
	}
	return summary, nil
}

func (c *Client) CheckSegment(ctx context.Context, segment, total int) error {
	if segment < 1 || segment > total {
		return fmt.Errorf("segment %d out of range 1..%d", segment, total)
	}
	_, stderr, err := c.run(ctx, "check", "--quiet", "--read-data-subset", fmt.Sprintf("%d/%d", segment, total))
	if err != nil {
		return err
	}
	return validateCheckOutput(stderr)
}

func (c *Client) Prune(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("pruning: tag is required")
	}
	_, _, err := c.run(ctx, "forget",
		"--keep-hourly", keepCount,
		"--keep-daily", keepCount,
		"--keep-weekly", keepCount,
		"--keep-monthly", keepCount,
		"--keep-yearly", keepCount,
		"--keep-tag", sched.PermanentTag,
		"--prune",
		"--compression", "max",
		"--tag", tag,
	)
	return err
}

// BitrotScan diffs each pair of consecutive snapshots after since. A snapshot
// id that is no longer listed restarts the scan from the oldest snapshot.
func (c *Client) BitrotScan(ctx context.Context, tag, since string) (string, error) {
	snaps, err := c.ListSnapshots(ctx, tag, 0)
	if err != nil {
		return "", err
	}

	start := 1
	for i, s := range snaps {
		if s.ID == since {
			start = i + 1
			break
		}
	}

	last := since
	for i := start; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		c.logger.Info("comparing snapshots", "prev", prev.ShortID, "cur", cur.ShortID)
		stdout, _, err := c.run(ctx, "diff", prev.ID, cur.ID, "--json")
		if err != nil {
			return last, err
		}
		if err := parseDiff(stdout); err != nil {
			return last, fmt.Errorf("snapshot %s: %w", cur.ShortID, err)
		}
		last = cur.ID
	}
	return last, nil
}
