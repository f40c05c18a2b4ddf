package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxstream/internal/app"
	"github.com/MrWong99/voxstream/internal/cache"
	"github.com/MrWong99/voxstream/internal/cache/expiry"
	"github.com/MrWong99/voxstream/internal/config"
	"github.com/MrWong99/voxstream/internal/track"
)

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the PCM track cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "size",
			Short: "Print the number of cached tracks and their total size",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := openCache(cmd, flags)
				if err != nil {
					return err
				}
				size, err := store.Size()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d tracks, %s in %s\n", store.Len(), humanBytes(size), store.Dir())
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cached track",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := openCache(cmd, flags)
				if err != nil {
					return err
				}
				n := store.Len()
				if err := store.Clear(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d tracks from %s\n", n, store.Dir())
				return nil
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Drop tracks not accessed within the configured ttl",
			Long: "Runs one expiry sweep against the configured access store and deletes\n" +
				"the cached PCM files of every expired track. A running server keeps its\n" +
				"own registry; it resolves expired tracks again on their next use.",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd.Context(), flags)
				if err != nil {
					return err
				}
				if cfg.Cache.Expiry.Backend == config.BackendMemory {
					slog.Warn("cache sweep: the memory backend starts empty in a new process")
				}
				store, closer, err := app.OpenAccessStore(cmd.Context(), cfg.Cache.Expiry)
				if err != nil {
					return err
				}
				if closer != nil {
					defer closer()
				}
				files, err := cache.New(cfg.Cache.Dir)
				if err != nil {
					return err
				}
				deleted := 0
				sched, err := expiry.New(expiry.Config{
					TTL:      app.ExpiryTTL(*cfg),
					Schedule: cfg.Cache.Expiry.Schedule,
					Store:    store,
					Evictor: expiry.EvictorFunc(func(_ context.Context, uris []string) []track.ID {
						for _, uri := range uris {
							if files.DeleteTrack(uri) {
								deleted++
							}
						}
						return nil
					}),
				})
				if err != nil {
					return err
				}
				batch, err := sched.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d tracks older than %s, deleted %d cached files\n",
					len(batch.URIs), sched.TTL(), deleted)
				return nil
			},
		},
	)
	return cmd
}

func openCache(cmd *cobra.Command, flags *globalFlags) (*cache.Store, error) {
	cfg, err := loadConfig(cmd.Context(), flags)
	if err != nil {
		return nil, err
	}
	return cache.New(cfg.Cache.Dir)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
