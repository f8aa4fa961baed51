package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/durable"
	"github.com/velmie/durable/cmd/internal/bootstrap"
	"github.com/velmie/durable/logging"
	"github.com/velmie/durable/mysql"
)

var errNegativeInterval = errors.New("--every must not be negative")

type cleanupOutput struct {
	Incoming    int64 `json:"incoming"`
	Outgoing    int64 `json:"outgoing"`
	DeadLetters int64 `json:"dead_letters"`
}

func newCleanupCmd(a *app) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete handled rows and dead letters past retention and expired outgoing rows",
		Long: "Runs once by default. With --every it keeps running until interrupted. " +
			"MySQL runs are serialized across processes with an advisory lock.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if every < 0 {
				return errNegativeInterval
			}
			cfg, store, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			logger := logging.Logrus(bootstrap.Logger(cfg, "cleanup"))
			ensure := func(ctx context.Context) (durable.ExpiredResult, error) {
				return store.DeleteExpired(ctx, time.Now())
			}
			if store.MySQL != nil {
				maintainer, err := mysql.NewCleanupMaintainer(store.MySQL, mysql.CleanupMaintainerConfig{
					CheckEvery: every,
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				if every > 0 {
					return ignoreCanceled(maintainer.Run(cmd.Context()))
				}
				ensure = maintainer.Ensure
			}

			if every == 0 {
				res, err := ensure(cmd.Context())
				if err != nil {
					return err
				}

				return writeJSON(cmd, cleanupOutput{Incoming: res.Incoming, Outgoing: res.Outgoing, DeadLetters: res.DeadLetters})
			}

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				res, err := ensure(cmd.Context())
				if err != nil {
					logger.Warn("durable cleanup failed", "err", err)
				} else if res.Total() > 0 {
					logger.Info("durable cleanup done", "incoming", res.Incoming, "outgoing", res.Outgoing, "dead_letters", res.DeadLetters)
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "run repeatedly at this interval instead of once")

	return cmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
