package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/twin/internal/config"
	"github.com/roach88/twin/internal/store"
	"github.com/roach88/twin/internal/value"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	Store  string
	Path   string
	Prefix string
}

// StateDump is the JSON data of the state command.
type StateDump struct {
	Driver  string        `json:"driver"`
	Source  string        `json:"source"`
	Entries []store.Entry `json:"entries"`
}

// NewStateCommand creates the state command.
func NewStateCommand(root *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Dump the persisted key-value store",
		Long: `Print every persisted key with its value.

SQLite stores list entries in write order with their digest and sequence
number; Redis stores list keys in sorted order.

Examples:
  twin state
  twin state --path data/twin.db --prefix counter/
  twin state --store redis --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Store, "store", "", "store driver: sqlite or redis (overrides store.driver)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "SQLite file (overrides store.path)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only show keys with this prefix")
	return cmd
}

func runState(cmd *cobra.Command, opts *StateOptions) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		out.Error(CodeConfig, err.Error(), nil)
		return err
	}
	if opts.Store != "" {
		cfg.Store.Driver = opts.Store
	}
	if opts.Path != "" {
		cfg.Store.Path = opts.Path
	}

	dump, err := readStore(cmd.Context(), cfg.Store)
	if err != nil {
		out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read store", err)
	}
	dump.Entries = filterPrefix(dump.Entries, opts.Prefix)

	return out.Success(dump, formatEntries(dump))
}

// readStore lists every entry of the store cfg describes. It never creates
// a SQLite file that does not exist yet.
func readStore(ctx context.Context, cfg config.StoreConfig) (StateDump, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if _, err := os.Stat(cfg.Path); err != nil {
			return StateDump{}, fmt.Errorf("store %s: %w", cfg.Path, err)
		}
		db, err := store.Open(cfg.Path)
		if err != nil {
			return StateDump{}, err
		}
		defer db.Close()
		entries, err := db.Entries(ctx)
		if err != nil {
			return StateDump{}, err
		}
		return StateDump{Driver: cfg.Driver, Source: cfg.Path, Entries: entries}, nil

	case config.DriverRedis:
		r, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Hash:     cfg.RedisHash,
		})
		if err != nil {
			return StateDump{}, err
		}
		defer r.Close()
		all, err := r.GetAll(ctx)
		if err != nil {
			return StateDump{}, err
		}
		return StateDump{Driver: cfg.Driver, Source: cfg.RedisAddr, Entries: sortedEntries(all)}, nil

	default:
		return StateDump{}, fmt.Errorf("store driver %q has nothing to inspect", cfg.Driver)
	}
}

func sortedEntries(all map[string]value.Value) []store.Entry {
	entries := make([]store.Entry, 0, len(all))
	for k, v := range all {
		entries = append(entries, store.Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func filterPrefix(entries []store.Entry, prefix string) []store.Entry {
	if prefix == "" {
		return entries
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			kept = append(kept, e)
		}
	}
	return kept
}

func formatEntries(dump StateDump) string {
	if len(dump.Entries) == 0 {
		return fmt.Sprintf("%s store %s is empty", dump.Driver, dump.Source)
	}
	var b strings.Builder
	for i, e := range dump.Entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		text, err := value.MarshalCanonical(e.Value)
		if err != nil {
			text = []byte(fmt.Sprintf("<%v>", err))
		}
		fmt.Fprintf(&b, "%s = %s", e.Key, text)
		if e.Seq > 0 {
			fmt.Fprintf(&b, "  (seq %d)", e.Seq)
		}
	}
	return b.String()
}
