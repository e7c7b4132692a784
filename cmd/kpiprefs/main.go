// kpiprefs is the operator CLI for the preference store: it syncs a local
// settings copy with the preference server, imports and exports backups,
// runs KPI database probes, and watches the sibling broadcast channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ranponim/kpi-frontend-sub001/internal/prefstore"
	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

type cliOptions struct {
	serverURL string
	token     string
	userID    string
	stateDSN  string
	spoolDir  string
	tabID     string
	verbose   bool
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "kpiprefs",
		Short:         "KPI dashboard preference store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envDefault("KPIPREF_SERVER", ""), "preference server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", envDefault("KPIPREF_TOKEN", ""), "bearer token for the preference server")
	root.PersistentFlags().StringVar(&opts.userID, "user", envDefault("KPIPREF_USER", "default"), "user id")
	root.PersistentFlags().StringVar(&opts.stateDSN, "state", envDefault("KPIPREF_STATE", defaultStateDSN()), "local state DSN (file path, file:, memory:, or postgres://)")
	root.PersistentFlags().StringVar(&opts.spoolDir, "spool", envDefault("KPIPREF_SPOOL", ""), "sibling broadcast spool directory")
	root.PersistentFlags().StringVar(&opts.tabID, "tab-id", "", "stable tab id for the broadcast channel")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newSyncCommand(opts),
		newShowCommand(opts),
		newSetCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newResetCommand(opts),
		newProbeCommand(opts),
		newWatchCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envDefault(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func defaultStateDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kpiprefs/state.json"
	}
	return filepath.Join(home, ".kpiprefs", "state.json")
}

func (o *cliOptions) logger() (*zap.Logger, error) {
	if o.verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func (o *cliOptions) buildStore() (*prefstore.Store, func(), error) {
	logger, err := o.logger()
	if err != nil {
		return nil, nil, err
	}
	local, err := prefstore.BuildLocalStoreFromDSN(o.stateDSN)
	if err != nil {
		return nil, nil, err
	}
	var remote syncengine.RemoteClient
	if o.serverURL != "" {
		remote = syncengine.NewHTTPClient(o.serverURL, o.token, nil)
	}
	var broadcaster prefstore.Broadcaster
	if o.spoolDir != "" {
		broadcaster, err = prefstore.NewSpoolBroadcaster(o.spoolDir, o.tabID, logger)
		if err != nil {
			return nil, nil, err
		}
	}
	store, err := prefstore.New(prefstore.Options{
		UserID:      o.userID,
		Local:       local,
		Remote:      remote,
		Broadcaster: broadcaster,
		Logger:      logger,
		TabID:       o.tabID,
	})
	if err != nil {
		if broadcaster != nil {
			_ = broadcaster.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		_ = store.Close()
		if broadcaster != nil {
			_ = broadcaster.Close()
		}
		_ = logger.Sync()
	}
	return store, cleanup, nil
}

func newSyncCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local copy with the preference server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			state := store.StateSnapshot()
			fmt.Printf("sync status: %s\n", state.SyncStatus)
			if state.LastError != nil {
				fmt.Printf("last error: %s (%s)\n", state.LastError.Message, state.LastError.Kind)
			}
			for _, issue := range state.ValidationErrors {
				fmt.Printf("validation: %s: %s\n", issue.Path, issue.Message)
			}
			return nil
		},
	}
}

func newShowCommand(opts *cliOptions) *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current settings document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			var out any = store.Snapshot()
			if section != "" {
				view, err := store.Section(settings.SectionKey(section))
				if err != nil {
					return err
				}
				out = view.Settings
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "print only one section")
	return cmd
}

func newSetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <section> <json>",
		Short: "Merge a JSON value into one section and save",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("invalid JSON value: %w", err)
			}
			if err := store.UpdateSectionLocal(settings.SectionKey(args[0]), value); err != nil {
				return err
			}
			return store.SaveImmediately(cmd.Context())
		},
	}
}

func newExportCommand(opts *cliOptions) *cobra.Command {
	var out string
	var sections []string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup envelope to disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			keys := make([]settings.SectionKey, 0, len(sections))
			for _, s := range sections {
				keys = append(keys, settings.SectionKey(s))
			}
			data, filename, err := store.ExportTo(keys...)
			if err != nil {
				return err
			}
			if out == "" {
				out = filename
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %d bytes to %s\n", len(data), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default preference-settings-<date>.json)")
	cmd.Flags().StringSliceVar(&sections, "sections", nil, "export only the named sections")
	return cmd
}

func newImportCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a backup envelope into the current settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := store.ImportFrom(cmd.Context(), data); err != nil {
				return err
			}
			state := store.StateSnapshot()
			if state.LastError != nil {
				fmt.Printf("imported with review needed: %s\n", state.LastError.Message)
			} else {
				fmt.Println("imported")
			}
			return nil
		},
	}
}

func newResetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [section...]",
		Short: "Restore sections (or everything) to defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			keys := make([]settings.SectionKey, 0, len(args))
			for _, s := range args {
				keys = append(keys, settings.SectionKey(s))
			}
			return store.Reset(cmd.Context(), keys...)
		},
	}
}

func newProbeCommand(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "probe <pegs|entities|test-connection>",
		Short: "Run a KPI database probe through the preference server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.serverURL == "" {
				return fmt.Errorf("--server is required for probes")
			}
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			db := store.Snapshot().DatabaseSettings
			client := syncengine.NewHTTPClient(opts.serverURL, opts.token, nil)

			switch args[0] {
			case "pegs":
				pegs, err := client.ProbePegs(cmd.Context(), db, limit)
				if err != nil {
					return err
				}
				for _, peg := range pegs {
					fmt.Println(peg)
				}
			case "entities":
				lists, err := client.ProbeEntities(cmd.Context(), db, nil)
				if err != nil {
					return err
				}
				printJSON(lists)
			case "test-connection":
				result, err := client.TestConnection(cmd.Context(), db)
				if err != nil {
					return err
				}
				printJSON(result)
			default:
				return fmt.Errorf("unknown probe %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of PEG names")
	return cmd
}

func newWatchCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow state transitions and sibling broadcasts until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := opts.buildStore()
			if err != nil {
				return err
			}
			defer cleanup()

			unsubscribe := store.Subscribe(func(state prefstore.State) {
				fmt.Printf("%s status=%s dirty=%t saving=%t\n",
					time.Now().Format(time.RFC3339), state.SyncStatus, state.Dirty, state.Saving)
				if state.PendingSibling != nil {
					fmt.Printf("  sibling change pending from tab %s\n", state.PendingSibling.TabID)
				}
				if state.LastError != nil {
					fmt.Printf("  error: %s (%s)\n", state.LastError.Message, state.LastError.Kind)
				}
			})
			defer unsubscribe()

			if err := store.Init(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
