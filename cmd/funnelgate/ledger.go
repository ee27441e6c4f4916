package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/funnelgate/internal/gateway/entitlement"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rcourtman/funnelgate/internal/gateway/ratelimit"
	"github.com/rcourtman/funnelgate/internal/gateway/store"
	"github.com/spf13/cobra"
)

var (
	dataDir     string
	databaseURL string
	showRaw     bool
)

func storeFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "SQLite data directory (default $FUNNEL_DATA_DIR or /data)")
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default $FUNNEL_DATABASE_URL)")
}

// openStore opens the same store the gateway uses, without requiring the
// gateway's HTTP configuration.
func openStore(ctx context.Context) (*store.DB, error) {
	_ = godotenv.Load()

	dir := dataDir
	if dir == "" {
		dir = os.Getenv("FUNNEL_DATA_DIR")
	}
	if dir == "" {
		dir = "/data"
	}
	dsn := databaseURL
	if dsn == "" {
		dsn = os.Getenv("FUNNEL_DATABASE_URL")
	}
	db, err := store.Open(ctx, store.Config{DatabaseURL: dsn, Dir: filepath.Join(dir, "gateway")})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the purchase ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show the purchase row for a checkout session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		rec, err := ledger.New(db).Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no purchase for session %s", args[0])
		}
		if !showRaw {
			rec.Raw = nil
		}
		return printJSON(cmd, rec)
	},
}

var ledgerEntitlementCmd = &cobra.Command{
	Use:   "entitlement <session_id>",
	Short: "Resolve the entitlement granted to a checkout session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		ent, err := entitlement.NewResolver(ledger.New(db)).Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, ent)
	},
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count purchases by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		counts, err := ledger.New(db).CountByStatus(cmd.Context())
		if err != nil {
			return err
		}
		statuses := make([]string, 0, len(counts))
		total := 0
		for s, c := range counts {
			statuses = append(statuses, string(s))
			total += c
		}
		sort.Strings(statuses)

		out := cmd.OutOrStdout()
		for _, s := range statuses {
			fmt.Fprintf(out, "%-10s %d\n", s, counts[ledger.Status(s)])
		}
		fmt.Fprintf(out, "%-10s %d\n", "total", total)
		return nil
	},
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limiter maintenance",
}

var ratelimitPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rate limit counters whose window has ended",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := ratelimit.NewSQLStore(db).Prune(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired counters\n", n)
		return nil
	},
}

func init() {
	storeFlags(ledgerCmd)
	storeFlags(ratelimitCmd)
	ledgerShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Include the raw provider payload")

	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerEntitlementCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
	ratelimitCmd.AddCommand(ratelimitPruneCmd)
}
