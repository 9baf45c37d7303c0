package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	mongoadapter "github.com/robertarktes/rental-reservations/internal/adapters/mongo"
	"github.com/robertarktes/rental-reservations/internal/config"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func openCatalog(ctx context.Context) (*mongoadapter.CatalogRepository, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to mongo")
	}
	catalog := mongoadapter.NewCatalogRepository(client.Database(cfg.MongoDatabase), observability.NewLogger())
	return catalog, func() { _ = client.Disconnect(context.Background()) }, nil
}

func newResourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage bookable resources in the directory",
	}
	cmd.AddCommand(newResourceAddCmd())
	cmd.AddCommand(newResourceBlackoutCmd())
	cmd.AddCommand(newResourceActiveCmd())
	return cmd
}

func newResourceAddCmd() *cobra.Command {
	var res domain.Resource

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeCatalog()

			res.Active = true
			if err := catalog.CreateResource(cmd.Context(), mongoadapter.FromDomain(res)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created resource %q\n", res.ID)
			return nil
		},
	}

	c.Flags().StringVar(&res.ID, "id", "", "resource id")
	c.Flags().StringVar(&res.OwnerID, "owner", "", "owner actor id")
	c.Flags().StringVar(&res.Category, "category", "", "category, decides hourly or daily buckets")
	c.Flags().StringVar(&res.Title, "title", "", "title")
	c.Flags().StringVar(&res.Currency, "currency", "USD", "ISO currency")
	c.Flags().Int64Var(&res.DailyRateCents, "daily-rate", 0, "daily rate in cents")
	c.Flags().Int64Var(&res.HourlyRateCents, "hourly-rate", 0, "hourly rate in cents")
	c.Flags().BoolVar(&res.InstantBook, "instant-book", false, "accept reservations without owner approval")
	_ = c.MarkFlagRequired("id")
	_ = c.MarkFlagRequired("owner")
	_ = c.MarkFlagRequired("category")
	return c
}

func newResourceBlackoutCmd() *cobra.Command {
	var id, start, end, reason string

	c := &cobra.Command{
		Use:   "blackout",
		Short: "Block a range on a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return errors.Wrap(err, "--start")
			}
			e, err := time.Parse(time.RFC3339, end)
			if err != nil {
				return errors.Wrap(err, "--end")
			}
			catalog, closeCatalog, err := openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeCatalog()

			if err := catalog.AddBlackout(cmd.Context(), id, domain.BlackoutRange{Start: s, End: e, Reason: reason}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked %s from %s to %s\n", id, s.Format(time.RFC3339), e.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&id, "id", "", "resource id")
	c.Flags().StringVar(&start, "start", "", "blackout start (RFC 3339)")
	c.Flags().StringVar(&end, "end", "", "blackout end (RFC 3339)")
	c.Flags().StringVar(&reason, "reason", "", "why the range is blocked")
	_ = c.MarkFlagRequired("id")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
	return c
}

func newResourceActiveCmd() *cobra.Command {
	var id string
	var active bool

	c := &cobra.Command{
		Use:   "set-active",
		Short: "List or unlist a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeCatalog()
			return catalog.SetActive(cmd.Context(), id, active)
		},
	}

	c.Flags().StringVar(&id, "id", "", "resource id")
	c.Flags().BoolVar(&active, "active", true, "whether the resource can be booked")
	_ = c.MarkFlagRequired("id")
	return c
}
