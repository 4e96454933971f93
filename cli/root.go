// Package cli implements the pkgsign command line tool.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/digitorus/pkgsign/config"
	"github.com/digitorus/pkgsign/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes.
const (
	ExitInvalid   = 1
	ExitUsage     = 2
	ExitCancelled = 3
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string

	config *config.Config
	logger *zap.Logger
}

func (o *rootOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", "",
		"configuration file (default "+config.DefaultLocation+" when present)")
	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "",
		"log level: debug, info, warn or error (overrides the configuration)")
	cmd.PersistentFlags().StringVarP(&o.Format, "output", "o", "text",
		"output format: text, json or yaml")
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load() error {
	switch o.Format {
	case "text", "json", "yaml":
	default:
		return &ExitError{Code: ExitUsage, Err: fmt.Errorf("unknown output format %q", o.Format)}
	}

	cfg, err := readConfig(o.ConfigPath)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	level := cfg.Log.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	logger, err := logging.New(cfg.Log.Environment, level)
	if err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}

	o.config = cfg
	o.logger = logger
	return nil
}

func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Read(path)
	}
	if _, err := os.Stat(config.DefaultLocation); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Read(config.DefaultLocation)
}

// New returns the root command.
func New() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:               "pkgsign",
		Short:             "Sign and verify document packages.",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return ro.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if ro.logger != nil {
				_ = ro.logger.Sync()
			}
		},
	}
	ro.addFlags(cmd)

	cmd.AddCommand(newStatusCommand(ro))
	cmd.AddCommand(newVerifyCommand(ro))
	cmd.AddCommand(newCertsCommand(ro))
	cmd.AddCommand(newSignCommand(ro))
	cmd.AddCommand(newRequestCommand(ro))
	cmd.AddCommand(newWithdrawCommand(ro))
	cmd.AddCommand(newUnsignCommand(ro))
	return cmd
}
