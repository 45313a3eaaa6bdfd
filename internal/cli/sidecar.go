package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/config"
	"github.com/zoravur/passerby/internal/logger"
	"github.com/zoravur/passerby/internal/wal"
)

func sidecarCmd(e *env) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Serve the database change stream to postgres-driver clients",
		Long: `Reads wal2json changes from a logical replication slot (POSTGRES_URL,
WAL_SLOT) and writes them to every client connected on --listen. Clients
use it with WAL_MODE=sidecar.`,
		Args: cobra.NoArgs,
		// The sidecar needs no backend client or session.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(e.dir)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("sidecar needs POSTGRES_URL")
			}
			log, err := logger.New(&cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer log.Sync()

			slot, temp := cfg.WAL.Slot, false
			if slot == "" {
				slot, temp = "passerby_sidecar", true
			}
			src := &wal.ReplicationSource{
				ConnString: cfg.Postgres.URL,
				Slot:       slot,
				CreateSlot: temp,
				Log:        log.Named("replication"),
			}
			b := wal.NewBroadcaster(src, log.Named("sidecar"))

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			go func() {
				if err := b.Run(ctx); err != nil {
					log.Error("replication stopped", zap.Error(err))
				}
			}()
			return b.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9000", "address to serve clients on")
	return cmd
}
