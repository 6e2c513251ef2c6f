// Package main provides the rocade command line tool.
// It maintains the local library database without the desktop server:
// migrations, one-shot refreshes and library queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/rocade/internal/assets"
	"github.com/kimhsiao/rocade/internal/config"
	"github.com/kimhsiao/rocade/internal/db"
	"github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/igdb"
	"github.com/kimhsiao/rocade/internal/logging"
	"github.com/kimhsiao/rocade/internal/steam"
	syncpkg "github.com/kimhsiao/rocade/internal/sync"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrInvalid, errors.ErrConfigMissing:
		return 2
	case errors.ErrSyncInProgress:
		return 3
	default:
		return 1
	}
}

type rootOptions struct {
	dataDir  string
	logLevel string
}

// loadConfig reads the configuration and applies the global flags.
// Credentials are only required when withCredentials is set.
func (o *rootOptions) loadConfig(withCredentials bool) (*config.Config, error) {
	load := config.LoadLocal
	if withCredentials {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rocade",
		Short:         "Local game library maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides "+config.EnvDataDir+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error")

	root.AddCommand(
		newMigrateCmd(opts),
		newRefreshCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newLookupCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rocade v%s\n", Version)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var down, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			m := db.NewMigrator(database.DB)
			if err := m.Initialize(ctx); err != nil {
				return err
			}
			switch {
			case down:
				err = m.Down(ctx)
			case !status:
				err = m.Up(ctx)
			}
			if err != nil {
				return err
			}

			applied, err := m.GetAppliedMigrations(ctx)
			if err != nil {
				return err
			}
			version, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "schema version %d\n", version)
			for _, mig := range applied {
				fmt.Fprintf(w, "  V%d %s\n", mig.Version, mig.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the last migration")
	cmd.Flags().BoolVar(&status, "status", false, "only print the applied migrations")
	return cmd
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var noImages bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one library refresh and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			database, err := db.Init(ctx, cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer database.Close()
			repo := db.NewRepository(database.DB)
			defer repo.Close()

			tokens := igdb.NewTwitchTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret, igdb.DefaultTokenURL, cfg.HTTPTimeout)
			metadata := igdb.NewClient(cfg.TwitchClientID, tokens,
				igdb.WithRateLimit(cfg.IGDBRequestsPerSec),
				igdb.WithTimeout(cfg.HTTPTimeout),
			)
			owned := steam.NewAPIClient(cfg.SteamAPIKey, cfg.SteamProfileID, steam.DefaultAPIURL, cfg.HTTPTimeout)

			engine := syncpkg.NewSyncEngine(owned, metadata, repo)
			if !noImages {
				cache, err := assets.NewCache(cfg.AssetsDir(), assets.WithTimeout(cfg.HTTPTimeout))
				if err != nil {
					return err
				}
				engine.SetImagePrefetcher(cache)
			}
			engine.SetEventHandler(syncpkg.SyncEventHandlerFunc(func(e syncpkg.SyncEvent) {
				if e.Type == syncpkg.SyncEventProgress {
					logging.Debug("refresh progress", map[string]interface{}{
						"completed": e.Completed,
						"total":     e.Total,
						"game":      e.Message,
					})
				}
			}))

			result, syncErr := engine.Sync(ctx)
			if result != nil {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			}
			return syncErr
		},
	}
	cmd.Flags().BoolVar(&noImages, "no-images", false, "skip cover prefetching")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		filter db.GameFilter
		genres string
		linked string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List games in the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if genres != "" {
				filter.Genres = db.GenresFromCommaString(genres)
			}
			if linked != "" {
				v, err := strconv.ParseBool(linked)
				if err != nil {
					return errors.Newf(errors.ErrInvalid, "--store-linked must be a boolean, got %q", linked)
				}
				filter.StoreLinked = &v
			}
			filter.Threshold = cfg.FuzzyThreshold

			repo, closeFn, err := openRepo(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			games, err := repo.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tRELEASED\tGENRES\tSTORE")
			for _, g := range games {
				released := "-"
				if g.ReleaseDate != nil {
					released = g.ReleaseTime().Format("2006-01-02")
				}
				store := "-"
				if g.StoreID != nil {
					store = *g.StoreID
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", g.ID, g.Name, released, strings.Join(g.Genres, ", "), store)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Name, "name", "", "case-insensitive name substring")
	cmd.Flags().BoolVar(&filter.Fuzzy, "fuzzy", false, "fall back to similarity matching")
	cmd.Flags().StringVar(&genres, "genres", "", "comma separated genre names")
	cmd.Flags().StringVar(&linked, "store-linked", "", "true or false")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of games")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "games to skip")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one game as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return errors.Newf(errors.ErrInvalid, "id must be a positive integer, got %q", args[0])
			}
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			repo, closeFn, err := openRepo(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			game, err := repo.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), game)
		},
	}
}

func newLookupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <store_id>",
		Short: "Fetch the metadata of one storefront title without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || storeID == 0 {
				return errors.Newf(errors.ErrInvalid, "store id must be a positive integer, got %q", args[0])
			}
			cfg, err := opts.loadConfig(true)
			if err != nil {
				return err
			}
			tokens := igdb.NewTwitchTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret, igdb.DefaultTokenURL, cfg.HTTPTimeout)
			client := igdb.NewClient(cfg.TwitchClientID, tokens, igdb.WithTimeout(cfg.HTTPTimeout))

			rec, err := client.FetchGame(cmd.Context(), storeID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func openRepo(ctx context.Context, cfg *config.Config) (*db.Repository, func(), error) {
	database, err := db.Init(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	repo := db.NewRepository(database.DB)
	return repo, func() {
		repo.Close()
		database.Close()
	}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
