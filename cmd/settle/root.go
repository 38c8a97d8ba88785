package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ValerySidorin/settle/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "settle",
		Short:        "Consume a broker queue and settle every delivery exactly once",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		fmt.Sprintf("config file (default: first of %s)", strings.Join(config.DefaultPaths, ", ")))

	cmd.AddCommand(newRunCmd(opts), newValidateCmd(opts), newVersionCmd())
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s is valid\n", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build commit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Commit)
		},
	}
}

func configureLogger(conf config.LogConfig) *slog.Logger {
	level := parseLogLevel(conf.Level)
	switch conf.Type {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}
}

func parseLogLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
