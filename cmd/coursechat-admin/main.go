// ABOUTME: Admin CLI for coursechat-gateway operators
// ABOUTME: Mints test tokens, edits config overrides and manages stored history

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/store"
)

const banner = `
                               _           _                 _           _
  ___ ___  _   _ _ __ ___  ___| |__   __ _| |_      __ _  __| |_ __ ___ (_)_ __
 / __/ _ \| | | | '__/ __|/ _ \ '_ \ / _' | __|____/ _' |/ _' | '_ ' _ \| | '_ \
| (_| (_) | |_| | |  \__ \  __/ | | | (_| | ||_____| (_| | (_| | | | | | | | | | |
 \___\___/ \__,_|_|  |___/\___|_| |_|\__,_|\__|     \__,_|\__,_|_| |_| |_|_|_| |_|
`

// defaultConfigPath mirrors the gateway's lookup order.
func defaultConfigPath() string {
	if envPath := os.Getenv("COURSECHAT_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coursechat", "gateway.yaml")
}

// app carries what every command needs: the loaded config and an output stream.
type app struct {
	configPath string
	cfg        *config.Config
	out        io.Writer
	logger     *slog.Logger

	// openStore is replaced in tests.
	openStore func(cfg *config.Config) (store.Store, error)
}

func newApp(out io.Writer) *app {
	return &app{
		out:    out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		openStore: func(cfg *config.Config) (store.Store, error) {
			path := cfg.Database.Path
			if envPath := os.Getenv("COURSECHAT_DB_PATH"); envPath != "" {
				path = envPath
			}
			return store.NewSQLiteStore(path)
		},
	}
}

// load reads the gateway config once per invocation.
func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	return nil
}

// withStore opens the history store, runs fn and closes the store.
func (a *app) withStore(fn func(s store.Store) error) error {
	if err := a.load(); err != nil {
		return err
	}
	s, err := a.openStore(a.cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()
	return fn(s)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "coursechat-admin",
		Short:         "Operate a coursechat-gateway deployment",
		Long:          "coursechat-admin works directly against the gateway's config file and history database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			color.New(color.FgCyan).Fprint(a.out, banner)
			fmt.Fprintln(a.out)
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath(), "gateway config file")
	root.SetOut(a.out)

	root.AddCommand(
		a.tokenCommand(),
		a.configCommand(),
		a.historyCommand(),
		a.healthCommand(),
	)
	return root
}

func main() {
	a := newApp(os.Stdout)
	if err := a.rootCommand().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
