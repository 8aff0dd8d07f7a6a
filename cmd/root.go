package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/worktime-epaper/internal/config"
	"github.com/Tiliavir/worktime-epaper/internal/model"
	"github.com/Tiliavir/worktime-epaper/internal/storage"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "worktime",
	Short: "worktime – today's remaining Hubstaff time on an e-paper display",
	Long: `worktime polls Hubstaff for the billable time tracked today and shows
how much of the daily target is left on a Waveshare 2.13" e-paper HAT.
Settings live in ~/.worktime/config.toml, tokens in ~/.worktime/refresh_token.json.`,
	SilenceUsage: true,
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.worktime/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// env is everything a command needs after startup.
type env struct {
	cfg   config.Config
	loc   *time.Location
	log   *slog.Logger
	store *storage.CredentialStore
	cred  model.Credential

	closeLog func()
}

// setup loads the config, configures logging and loads the credential.
// Any failure here is fatal for the command.
func setup(out io.Writer) (*env, error) {
	path := configPath
	if path == "" {
		base, err := storage.BaseDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(base, config.FileName)
	}
	cfg, err := config.Load(path, config.OSEnv{})
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	log, closeLog, err := newLogger(out, cfg.LogFile, verbose)
	if err != nil {
		return nil, err
	}

	store := storage.NewCredentialStore(cfg.CredentialsFile, loc)
	cred, err := store.Load()
	if err != nil {
		closeLog()
		return nil, err
	}
	log.Debug("loaded credentials",
		slog.String("path", store.Path()),
		slog.Time("access_expiry", cred.AccessExpiry))

	return &env{cfg: cfg, loc: loc, log: log, store: store, cred: cred, closeLog: closeLog}, nil
}

// newLogger builds a text logger on out, teed to logFile when set, and
// installs it as the slog default.
func newLogger(out io.Writer, logFile string, debug bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	closeFn := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closeFn = func() { f.Close() }
	}

	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log, closeFn, nil
}
