package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rsched/internal/app"
	"rsched/internal/config"
	"rsched/internal/sched"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(opts app.Options) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts.Verbose = opts.Verbose || verbose
	a, err := app.New(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "rsched",
	Short:        "Scheduled restic backups",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if _, _, err := app.MigrateDatabase(cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Restic:      %s (cache %s)\n", cfg.Restic.Binary, cfg.Restic.CacheDir)
		fmt.Printf("Credentials: %s\n", cfg.Credentials.Type)
		fmt.Printf("Notify:      %s\n", cfg.Notify.Type)
		if cfg.Server.Listen != "" {
			fmt.Printf("Listen:      %s\n", cfg.Server.Listen)
		}
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:       %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the schedule database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		before, after, err := app.MigrateDatabase(cfg)
		if err != nil {
			return err
		}
		if before.Current == after.Current {
			fmt.Printf("Schema already at version %d\n", after.Current)
			return nil
		}
		fmt.Printf("Migrated schema from version %d to %d\n", before.Current, after.Current)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sv, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}
		state := "up to date"
		switch {
		case sv.Dirty:
			state = "dirty"
		case !sv.UpToDate():
			state = "migration required"
		}
		fmt.Printf("Schema version %d of %d (%s)\n", sv.Current, sv.Latest, state)
		return nil
	},
}

// dir command
var dirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Manage backup directories",
}

var dirAddCmd = &cobra.Command{
	Use:   "add [PATH]",
	Short: "Back up a directory (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, _ := cmd.Flags().GetString("enabled")
		frequency, _ := cmd.Flags().GetString("frequency")
		exclude, _ := cmd.Flags().GetStringSlice("exclude")

		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		target := "."
		if len(args) > 0 {
			target = args[0]
		}
		d, err := a.AddDirectory(target, enabled, frequency, strings.Join(exclude, "\n"))
		if err != nil {
			return fmt.Errorf("adding directory: %w", err)
		}
		fmt.Printf("Backing up %s every %s\n", d.Path, sched.FormatFrequency(d.Frequency))
		return nil
	},
}

var dirListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		dirs, err := a.Directories()
		if err != nil {
			return err
		}
		if len(dirs) == 0 {
			fmt.Println("No directories configured.")
			return nil
		}
		for _, d := range dirs {
			fmt.Println(app.FormatDirectory(d))
		}
		return nil
	},
}

var dirRemoveCmd = &cobra.Command{
	Use:   "remove ID|PATH",
	Short: "Stop backing up a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.RemoveDirectory(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", d.Path)
		return nil
	},
}

var dirSetCmd = &cobra.Command{
	Use:   "set ID|PATH",
	Short: "Change a directory's schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var changes app.DirectoryChanges
		if cmd.Flags().Changed("enabled") {
			v, _ := cmd.Flags().GetString("enabled")
			changes.Enabled = &v
		}
		if cmd.Flags().Changed("frequency") {
			v, _ := cmd.Flags().GetString("frequency")
			changes.Frequency = &v
		}
		if cmd.Flags().Changed("exclude") {
			v, _ := cmd.Flags().GetStringSlice("exclude")
			joined := strings.Join(v, "\n")
			changes.Exclusions = &joined
		}

		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.UpdateDirectory(args[0], changes)
		if err != nil {
			return err
		}
		fmt.Println(app.FormatDirectory(d))
		return nil
	},
}

var dirRunNowCmd = &cobra.Command{
	Use:   "run-now ID|PATH",
	Short: "Back up a directory on the next pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.RunNow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Backup of %s requested\n", d.Path)
		return nil
	},
}

var checkNowCmd = &cobra.Command{
	Use:   "check-now",
	Short: "Start a full repository check on the next pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckNow(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Full repository check requested")
		return nil
	},
}

// settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage scheduling settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show scheduling settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		values, err := a.Settings()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-28s %s\n", k, values[k])
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change a scheduling setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetSetting(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}

// password command
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage the repository password",
}

var passwordSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the repository password",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword()
		if err != nil {
			return err
		}

		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetPassword(pw); err != nil {
			return err
		}
		fmt.Println("Password stored")
		return nil
	},
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Repository password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show directories and repository check progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Status()
		if err != nil {
			return err
		}

		last := "never"
		if !r.State.LastFullCheck.IsZero() {
			last = r.State.LastFullCheck.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("Last full check: %s\n", last)
		if r.State.Segment != sched.NoSegment {
			fmt.Printf("Full check in progress: segment %d of %d\n", r.State.Segment, sched.FullCheckSegments)
		}
		if r.State.Update.Latest != nil {
			fmt.Printf("Update available: %s %s\n", r.State.Update.Latest.Tag, r.State.Update.Latest.URL)
		}
		fmt.Println()
		for _, d := range r.Directories {
			fmt.Println(app.FormatDirectory(d))
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View task history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No tasks recorded.")
			return nil
		}
		for _, r := range runs {
			duration := r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second)
			fmt.Printf("#%d  %-12s  %-40s  %s  %-7s  %s",
				r.ID,
				r.Kind,
				r.TaskID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				duration,
			)
			if r.Error != "" {
				fmt.Printf("  %s", r.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{Echo: os.Stderr})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx, version)
	},
}

// state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage exported scheduler state",
}

var stateExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Upload the schedule database to the configured vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.ExportState(cmd.Context())
		fmt.Printf("Exported state to %d vault(s)\n", n)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)

	// dir subcommands
	for _, c := range []*cobra.Command{dirAddCmd, dirSetCmd} {
		c.Flags().String("enabled", "", "yes, no or auto")
		c.Flags().String("frequency", "", "Backup interval, e.g. 1d or 6h30m")
		c.Flags().StringSlice("exclude", nil, "Case-insensitive exclusion pattern (repeatable)")
	}
	dirCmd.AddCommand(dirAddCmd)
	dirCmd.AddCommand(dirListCmd)
	dirCmd.AddCommand(dirRemoveCmd)
	dirCmd.AddCommand(dirSetCmd)
	dirCmd.AddCommand(dirRunNowCmd)

	settingsCmd.AddCommand(settingsListCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	passwordCmd.AddCommand(passwordSetCmd)

	stateCmd.AddCommand(stateExportCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(dirCmd)
	rootCmd.AddCommand(checkNowCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of tasks to show")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}
