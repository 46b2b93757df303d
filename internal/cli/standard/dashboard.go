package standard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/duragraph/studio/internal/cli/tui"
	"github.com/duragraph/studio/internal/config"
	"github.com/duragraph/studio/internal/shared/logging"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the interactive chat and trace dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, _ := cmd.Flags().GetString("thread")
			assistant, _ := cmd.Flags().GetString("assistant")
			return runDashboard(cmd, thread, assistant)
		},
	}
	cmd.Flags().String("thread", "", "Resume this thread instead of starting a new one")
	cmd.Flags().String("assistant", "", "Assistant to chat with (default: first deployed assistant)")
	return cmd
}

func runDashboard(cmd *cobra.Command, threadID, assistantID string) error {
	if !isTerminal(cmd.OutOrStdout()) {
		return errors.New("dashboard requires an interactive terminal")
	}
	api, cfg, err := clientFromCmd(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := dashboardLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	s, err := newStreams(cmd, cfg, api, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	return tui.Run(cmd.Context(), tui.Options{
		Client:      api,
		Registry:    s.registry,
		Bus:         s.bus,
		Logger:      logger,
		ThreadID:    threadID,
		AssistantID: assistantID,
	})
}

// dashboardLogger writes to STUDIO_LOG_FILE when set. The terminal belongs to
// the dashboard, so logs are dropped otherwise.
func dashboardLogger(cfg config.Config) (*slog.Logger, func(), error) {
	if cfg.LogFile == "" {
		return logging.Discard(), func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewWithOptions(f, logging.ParseLevel(cfg.LogLevel), "dashboard"), func() { _ = f.Close() }, nil
}
