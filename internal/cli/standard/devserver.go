package standard

import (
	"context"
	"errors"
	"net"

	"github.com/spf13/cobra"

	"github.com/duragraph/studio/internal/devserver"
	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/eventbus/natsbus"
)

func newDevserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve an in-memory DuraGraph API with scripted runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.DevserverAddr
			}
			delay, _ := cmd.Flags().GetDuration("step-delay")
			seed, _ := cmd.Flags().GetBool("seed")
			logger := commandLogger(cmd, cfg, "devserver")

			var bus eventbus.Bus
			if cfg.NATSURL != "" {
				nb, err := natsbus.Connect(cfg.NATSURL)
				if err != nil {
					return err
				}
				defer nb.Close()
				bus = nb
				logger.Info("stream wakeups over nats", "url", cfg.NATSURL)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := devserver.New(devserver.Options{
				StepDelay: delay,
				Logger:    logger,
				Bus:       bus,
				Seed:      seed,
			})
			if err := srv.Serve(cmd.Context(), ln); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default STUDIO_DEVSERVER_ADDR)")
	cmd.Flags().Duration("step-delay", 0, "Pause between scripted events (0 for 250ms, negative for none)")
	cmd.Flags().Bool("seed", true, "Create a default assistant and thread")
	return cmd
}
