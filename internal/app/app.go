package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rsched/internal/config"
	"rsched/internal/credentials"
	"rsched/internal/database"
	"rsched/internal/database/migrations"
	"rsched/internal/sched"
	"rsched/internal/vault"
)

// StateItem is the vault item name the exported store is kept under.
const StateItem = "state"

// Options tune how an App logs.
type Options struct {
	// Verbose enables debug logging.
	Verbose bool
	// Echo receives a copy of every log line, e.g. os.Stderr for the daemon.
	Echo io.Writer
}

// App is the application layer between the CLI and the scheduler.
// It constructs all dependencies from config, exposes the operations the
// CLI needs on raw strings, and closes the store on Close.
type App struct {
	cfg         *config.Config
	store       *database.SQLiteStore
	credentials sched.Credentials
	logger      sched.Logger
	clock       sched.Clock
	client      *http.Client
	logFile     *os.File
}

// New creates a fully wired App from the given config. The caller must call Close.
func New(cfg *config.Config, opts Options) (*App, error) {
	creds, err := credentials.NewCredentialsFromConfig(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("creating credentials: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	runID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, runID, level, opts.Echo)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := newApp(cfg, store, creds, &slogAdapter{l: logger}, sched.RealClock{})
	a.logFile = logFile
	return a, nil
}

func newApp(cfg *config.Config, store *database.SQLiteStore, creds sched.Credentials, logger sched.Logger, clock sched.Clock) *App {
	return &App{
		cfg:         cfg,
		store:       store,
		credentials: creds,
		logger:      logger,
		clock:       clock,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
}

// Close closes the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// MigrateDatabase applies pending schema migrations and returns the schema
// version before and after.
func MigrateDatabase(cfg *config.Config) (before, after migrations.SchemaVersion, err error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return before, after, fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()

	if before, err = store.SchemaStatus(); err != nil {
		return before, after, fmt.Errorf("reading schema version: %w", err)
	}
	if err := store.Migrate(); err != nil {
		return before, after, fmt.Errorf("migrating database: %w", err)
	}
	if after, err = store.SchemaStatus(); err != nil {
		return before, after, fmt.Errorf("reading schema version: %w", err)
	}
	return before, after, nil
}

// DatabaseStatus reports the schema version without requiring it to be current.
func DatabaseStatus(cfg *config.Config) (migrations.SchemaVersion, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return migrations.SchemaVersion{}, fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()
	return store.SchemaStatus()
}

// AddDirectory resolves rawPath and registers it. enabled and frequency may
// be empty to use "yes" and the default frequency.
func (a *App) AddDirectory(rawPath, enabled, frequency, exclusions string) (*sched.Directory, error) {
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	mode := sched.EnabledYes
	if enabled != "" {
		if mode, err = sched.ParseEnablement(enabled); err != nil {
			return nil, err
		}
	}
	var freq time.Duration
	if frequency != "" {
		if freq, err = sched.ParseFrequency(frequency); err != nil {
			return nil, err
		}
	}

	existing, err := a.store.FindDirectoryByPath(p)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("directory already tracked: %s", p)
	}

	d, err := a.store.CreateDirectory(p, mode, freq, exclusions)
	if err != nil {
		return nil, err
	}
	a.logger.Info("directory added", "path", d.Path, "enabled", d.Enabled)
	return d, nil
}

// Directories returns every configured directory, ordered by path.
func (a *App) Directories() ([]*sched.Directory, error) {
	return a.store.ListDirectories()
}

// findDirectory accepts a directory id or a path.
func (a *App) findDirectory(ref string) (*sched.Directory, error) {
	d, err := a.store.FindDirectory(ref)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return d, nil
	}
	if p, err := filepath.Abs(ref); err == nil {
		if d, err = a.store.FindDirectoryByPath(p); err != nil {
			return nil, err
		}
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", sched.ErrDirectoryNotFound, ref)
	}
	return d, nil
}

// RemoveDirectory stops tracking the directory identified by ref.
func (a *App) RemoveDirectory(ref string) (*sched.Directory, error) {
	d, err := a.findDirectory(ref)
	if err != nil {
		return nil, err
	}
	if err := a.store.DeleteDirectory(d.ID); err != nil {
		return nil, err
	}
	a.logger.Info("directory removed", "path", d.Path)
	return d, nil
}

// DirectoryChanges lists the user-editable fields to update. Nil fields are left alone.
type DirectoryChanges struct {
	Enabled    *string
	Frequency  *string
	Exclusions *string
}

// UpdateDirectory applies changes to the directory identified by ref.
func (a *App) UpdateDirectory(ref string, changes DirectoryChanges) (*sched.Directory, error) {
	d, err := a.findDirectory(ref)
	if err != nil {
		return nil, err
	}
	if changes.Enabled != nil {
		if d.Enabled, err = sched.ParseEnablement(*changes.Enabled); err != nil {
			return nil, err
		}
	}
	if changes.Frequency != nil {
		if d.Frequency, err = sched.ParseFrequency(*changes.Frequency); err != nil {
			return nil, err
		}
	}
	if changes.Exclusions != nil {
		d.Exclusions = *changes.Exclusions
	}
	if err := a.store.UpdateDirectorySettings(d); err != nil {
		return nil, err
	}
	return d, nil
}

// RunNow makes the directory due immediately and nudges a running daemon.
func (a *App) RunNow(ctx context.Context, ref string) (*sched.Directory, error) {
	d, err := a.findDirectory(ref)
	if err != nil {
		return nil, err
	}
	if err := a.store.ResetNextRun(d.ID); err != nil {
		return nil, err
	}
	a.logger.Info("backup requested", "path", d.Path)
	a.nudge(ctx)
	return d, nil
}

// CheckNow makes the full repository check due immediately and nudges a running daemon.
func (a *App) CheckNow(ctx context.Context) error {
	if err := sched.ResetFullCheck(a.store); err != nil {
		return err
	}
	a.logger.Info("full check requested")
	a.nudge(ctx)
	return nil
}

// nudge asks the daemon, if one is listening, to run a pass now. Without a
// control endpoint the change is picked up on the daemon's next wake.
func (a *App) nudge(ctx context.Context) {
	if a.cfg.Server.Listen == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+a.cfg.Server.Listen+"/trigger", nil)
	if err != nil {
		a.logger.Warn("building trigger request failed", "error", err)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("daemon not reachable", "listen", a.cfg.Server.Listen, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		a.logger.Warn("daemon rejected trigger", "status", resp.StatusCode)
	}
}

// Settings returns every scheduling setting with defaults applied.
func (a *App) Settings() (map[string]string, error) {
	values, err := a.store.ConfigValues()
	if err != nil {
		return nil, err
	}
	s, err := sched.ParseSettings(values)
	if err != nil {
		return nil, err
	}
	return s.Values(), nil
}

// SetSetting validates and stores one scheduling setting.
func (a *App) SetSetting(key, value string) error {
	normalized, err := sched.NormalizeSetting(key, value)
	if err != nil {
		return err
	}
	if err := a.store.SetConfigValue(key, normalized); err != nil {
		return err
	}
	a.logger.Info("setting changed", "key", key)
	return nil
}

// SetPassword stores the repository password when the credential source supports it.
func (a *App) SetPassword(password string) error {
	setter, ok := a.credentials.(credentials.Setter)
	if !ok {
		return fmt.Errorf("credentials type %q cannot store a password", a.cfg.Credentials.Type)
	}
	if err := setter.SetPassword(password); err != nil {
		return fmt.Errorf("storing password: %w", err)
	}
	a.logger.Info("repository password stored")
	return nil
}

// Status reads the directories and scheduler state from the store.
func (a *App) Status() (*sched.Report, error) {
	dirs, err := a.store.ListDirectories()
	if err != nil {
		return nil, err
	}
	st, err := sched.LoadScheduleState(a.store)
	if err != nil {
		return nil, err
	}
	return &sched.Report{Directories: dirs, State: st}, nil
}

// History returns the most recent task runs, newest first.
func (a *App) History(limit int) ([]*sched.TaskRun, error) {
	return a.store.ListTaskRuns(limit)
}

// ExportState snapshots the store and uploads it to every configured vault,
// versioned by the current unix time. It returns the number of vaults written.
func (a *App) ExportState(ctx context.Context) (int, error) {
	if len(a.cfg.Vaults) == 0 {
		return 0, nil
	}

	tmpFile, err := os.CreateTemp("", "rsched-state-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp file for state export: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := a.store.BackupTo(tmpPath); err != nil {
		return 0, err
	}

	version := a.clock.Now().Unix()
	written, err := vault.PublishFile(ctx, a.cfg.Vaults, a.cfg.HostID, StateItem, tmpPath, version)
	for _, name := range written {
		a.logger.Info("state exported", "vault", name, "version", version)
	}
	return len(written), err
}

// FormatDirectory renders one directory as a single status line.
func FormatDirectory(d *sched.Directory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-4s  %-8s  %s", d.ID, d.Enabled, sched.FormatFrequency(d.Frequency), d.Path)
	if !d.LastRun.IsZero() {
		fmt.Fprintf(&b, "  last:%s", d.LastRun.Local().Format("2006-01-02 15:04"))
	}
	if !d.NextRun.IsZero() {
		fmt.Fprintf(&b, "  next:%s", d.NextRun.Local().Format("2006-01-02 15:04"))
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "  error:%s", d.Error)
	}
	return b.String()
}
