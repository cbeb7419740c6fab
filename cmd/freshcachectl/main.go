// Command freshcachectl inspects and manages a freshcache storage backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/studentstore/freshcache"
	"github.com/studentstore/freshcache/internal/keys"
	"github.com/studentstore/freshcache/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "freshcachectl",
		Short:        "Inspect and manage the freshcache storage backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FRESHCACHE_CONFIG"), "path to a YAML or JSON config file")

	// withLoader opens the configured store behind a Loader whose fetcher
	// refuses network access: the CLI only reads and edits what is stored.
	withLoader := func(cmd *cobra.Command, fn func(ctx context.Context, l *freshcache.Loader) error) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		store, err := freshcache.OpenStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		l, err := freshcache.New(cfg, store, offline)
		if err != nil {
			_ = store.Close()
			return err
		}
		defer func() { _ = l.Close() }()
		return fn(cmd.Context(), l)
	}

	root.AddCommand(
		newValidateCmd(),
		newKeysCmd(withLoader),
		newGetCmd(withLoader),
		newInvalidateCmd(withLoader),
		newVersionCmd(),
	)
	return root
}

type loaderRunner func(cmd *cobra.Command, fn func(ctx context.Context, l *freshcache.Loader) error) error

var offline = freshcache.FetchFunc(func(context.Context, keys.Ref) (json.RawMessage, error) {
	return nil, errors.New("freshcachectl does not fetch from the backend")
})

func loadConfig(path string) (freshcache.Config, error) {
	if path == "" {
		return freshcache.DefaultConfig(), nil
	}
	cfg, err := freshcache.LoadConfig(path)
	if err != nil {
		return freshcache.Config{}, err
	}
	return *cfg, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := freshcache.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := freshcache.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}
			printConfig(cmd.OutOrStdout(), *cfg)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg freshcache.Config) {
	fmt.Fprintf(out, "✓ Config is valid\n")
	fmt.Fprintf(out, "  Storage:  %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "  Backend:  %s\n", cfg.Backend.BaseURL)
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  FAMILY\tTTL\tSTALE AFTER\tMAX\tSCOPE")
	rows := append([]freshcache.FamilyConfig{cfg.Defaults}, cfg.Families...)
	for i, f := range rows {
		name := f.Prefix
		if i == 0 {
			name = "(default)"
		}
		scope := "prefix"
		if f.PerInstance || i == 0 {
			scope = "instance"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\n", name, f.TTL, f.StaleAfter, f.MaxEntries, scope)
	}
	_ = tw.Flush()
}

func newKeysCmd(run loaderRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [prefix]",
		Short: "List cached entries, optionally filtered by key prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return run(cmd, func(ctx context.Context, l *freshcache.Loader) error {
				entries := l.Entries(ctx, prefix)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tFAMILY\tAGE\tSIZE")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.Key, e.Family, e.Age.Truncate(time.Millisecond), e.Size)
				}
				return tw.Flush()
			})
		},
	}
}

func newGetCmd(run loaderRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a cached payload if it is still within its TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return run(cmd, func(ctx context.Context, l *freshcache.Loader) error {
				age, ok := l.PeekAge(ctx, key)
				if !ok {
					return fmt.Errorf("no entry for %q", key)
				}
				payload, ok := l.Cached(ctx, key)
				if !ok {
					return fmt.Errorf("entry %q expired (age %s)", key, age.Truncate(time.Millisecond))
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "age: %s\n", age.Truncate(time.Millisecond))
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return err
			})
		},
	}
}

func newInvalidateCmd(run loaderRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <prefix>",
		Short: "Delete every cached entry whose key starts with prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, l *freshcache.Loader) error {
				removed := l.Invalidate(ctx, args[0])
				for _, k := range removed {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "removed %d entries\n", len(removed))
				return nil
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "freshcachectl %s\n", version.String())
		},
	}
}
