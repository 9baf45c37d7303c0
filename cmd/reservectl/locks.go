package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/config"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/expiry"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/spf13/cobra"
)

func openRepo(ctx context.Context) (*crdb.Repository, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.CRDBDSN == "" {
		return nil, nil, errors.New("CRDB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to crdb")
	}
	return crdb.NewRepository(pool), pool.Close, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the CockroachDB schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.CRDBDSN)
			if err != nil {
				return errors.Wrap(err, "connect to crdb")
			}
			defer pool.Close()
			if err := crdb.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete lapsed holds now instead of waiting for row-level TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			logger := observability.NewLogger()
			dispatcher := events.NewDispatcher(logger, 5*time.Second, repo)
			n, err := expiry.NewWorker(repo, nil, dispatcher, clock.Real{}, logger).SweepOnce(cmd.Context())
			dispatcher.Wait()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired locks\n", n)
			return nil
		},
	}
}

func newReleaseCmd() *cobra.Command {
	var handleID, reservationID string

	c := &cobra.Command{
		Use:   "release",
		Short: "Release every lock held by a payment handle or a reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reason string
			switch {
			case handleID != "" && reservationID != "":
				return errors.New("use either --payment-handle or --reservation")
			case handleID != "":
				reason = domain.HoldReason(handleID)
			case reservationID != "":
				id, err := uuid.Parse(reservationID)
				if err != nil {
					return errors.Wrap(err, "reservation id")
				}
				reason = domain.ReservationReason(id)
			default:
				return errors.New("one of --payment-handle or --reservation is required")
			}

			repo, closeRepo, err := openRepo(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			n, err := repo.ReleaseByReason(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d locks tagged %s\n", n, reason)
			return nil
		},
	}

	c.Flags().StringVar(&handleID, "payment-handle", "", "payment handle whose hold to release")
	c.Flags().StringVar(&reservationID, "reservation", "", "reservation whose locks to release")
	return c
}

func newBucketsCmd() *cobra.Command {
	var start, end, granularity string

	c := &cobra.Command{
		Use:   "buckets",
		Short: "Print the bucket keys a window occupies",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return errors.Wrap(err, "--start")
			}
			e, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return errors.Wrap(err, "--end")
			}
			g := domain.Granularity(strings.ToLower(granularity))
			if !g.Valid() {
				return errors.Newf("--granularity must be hour or day, got %q", granularity)
			}
			for _, b := range calendar.EnumerateBuckets(s, e, g) {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}

	c.Flags().StringVar(&start, "start", "", "window start (RFC 3339)")
	c.Flags().StringVar(&end, "end", "", "window end (RFC 3339)")
	c.Flags().StringVar(&granularity, "granularity", "day", "hour or day")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
	return c
}
