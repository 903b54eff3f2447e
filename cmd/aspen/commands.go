package main

import (
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := cfg.InitializeDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := migrations.NewMigrator(db).GetCurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Push the enabled peer set to the tunnel interface now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.Reconcile(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reconciled")
			return nil
		},
	}
}

func newInviteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage registration invites",
	}

	var expiresIn time.Duration
	var description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a single-use invite and print its code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var expiresAt *time.Time
			if expiresIn > 0 {
				at := time.Now().UTC().Add(expiresIn)
				expiresAt = &at
			}
			inv, err := a.issuer.Create(cmd.Context(), expiresAt, description)
			if err != nil {
				return err
			}
			log.Printf("created invite %d", inv.ID)
			fmt.Fprintln(cmd.OutOrStdout(), inv.Code)
			return nil
		},
	}
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "invite lifetime, e.g. 24h (0 never expires)")
	create.Flags().StringVar(&description, "description", "", "free-text note")

	list := &cobra.Command{
		Use:   "list",
		Short: "List invites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			invites, err := a.issuer.List(cmd.Context(), 0, 1000)
			if err != nil {
				return err
			}
			return printInvites(cmd.OutOrStdout(), invites, time.Now())
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newPeerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Inspect registered peers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			peers, err := a.registry.List(cmd.Context(), 0, 1000)
			if err != nil {
				return err
			}
			return printPeers(cmd.OutOrStdout(), peers)
		},
	})
	return cmd
}

func printInvites(out io.Writer, invites []domain.Invite, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tSTATE\tEXPIRES\tDESCRIPTION")
	for _, inv := range invites {
		state := "open"
		switch {
		case inv.Consumed() && inv.ConsumedBy != nil:
			state = fmt.Sprintf("used by %d", *inv.ConsumedBy)
		case inv.Consumed():
			state = "used"
		case inv.Expired(now):
			state = "expired"
		}
		expires := "never"
		if inv.ExpiresAt != nil {
			expires = inv.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", inv.ID, inv.Code, state, expires, inv.Description)
	}
	return tw.Flush()
}

func printPeers(out io.Writer, peers []domain.Peer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tENABLED\tADMIN\tPUBLIC KEY")
	for _, p := range peers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\n", p.ID, p.Name, p.Address, p.Enabled, p.Admin, p.PublicKey)
	}
	return tw.Flush()
}
