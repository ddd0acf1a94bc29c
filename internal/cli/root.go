// Package cli implements the taskvault command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/taskvault/internal/config"
	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
)

// app holds global flags and the configuration loaded for one invocation.
type app struct {
	cfgFile string
	dataDir string
	verbose bool
	jsonOut bool

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, errOut: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "taskvault",
		Short: "Transactional per-project document store",
		Long: `taskvault stores per-project JSON documents with transactional writes,
a read-through cache, and a background task queue for archiving and sync.

Quick start:
  taskvault init "My project"        Create a project
  taskvault put <id> notes < n.json  Write a document
  taskvault get <id> notes           Read it back
  taskvault status                   Show store health`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
			return a.loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is <data-dir>/taskvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default is ~/.taskvault)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd(a))
	rootCmd.AddCommand(newProjectsCmd(a))
	rootCmd.AddCommand(newUseCmd(a))
	rootCmd.AddCommand(newGetCmd(a))
	rootCmd.AddCommand(newPutCmd(a))
	rootCmd.AddCommand(newTasksCmd(a))
	rootCmd.AddCommand(newArchiveCmd(a))
	rootCmd.AddCommand(newSyncCmd(a))
	rootCmd.AddCommand(newMigrateCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI and prints any error.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		PrintError(cmd.ErrOrStderr(), err, false)
		return err
	}
	return nil
}

// loadConfig resolves the config file: --config, else the data dir's
// taskvault.yaml. --data-dir overrides the file and environment.
func (a *app) loadConfig() error {
	path := a.cfgFile
	if path == "" {
		dir := a.dataDir
		if dir == "" {
			dir = config.DefaultDataDir()
		}
		path = filepath.Join(dir, config.ConfigFileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg
	a.logger = cfg.Logging.NewLogger(a.errOut)
	slog.SetDefault(a.logger)
	return nil
}

// withStore opens the store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(*store.Store, *project.Service) error) error {
	st, err := store.Open(ctx, a.cfg, store.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			a.logger.Warn("close store", "error", cerr)
		}
	}()
	return fn(st, project.NewService(st, project.WithLogger(a.logger)))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show taskvault version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "taskvault version 0.1.0-dev")
		},
	}
}
