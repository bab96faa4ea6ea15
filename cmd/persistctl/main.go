// Command persistctl inspects mapping models and runs smoke flushes against
// a database.
//
//	persistctl validate --model gallery.yaml
//	persistctl order --model gallery.yaml
//	persistctl smoke --config persist.yaml --entity Artist name=Cassatt
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/syssam/persist"
	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/cache/redisstore"
	entsql "github.com/syssam/persist/dialect/sql"
	"github.com/syssam/persist/dialect/sql/sqlgraph"
	"github.com/syssam/persist/flush"
	"github.com/syssam/persist/internal/config"
	"github.com/syssam/persist/keygen"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
	"github.com/syssam/persist/sorter"
	"github.com/syssam/persist/store"
)

// cacheNamespace prefixes the remote row keys within the redis key prefix.
const cacheNamespace = "persist"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "persistctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "persistctl",
		Short:         "Inspect mapping models and run smoke flushes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "persist.yaml", "path of the configuration file")
	root.AddCommand(newValidateCmd(), newOrderCmd(), newSmokeCmd())
	return root
}

func modelFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("model", "m", "", "path of the YAML model")
	_ = cmd.MarkFlagRequired("model")
}

func loadModel(cmd *cobra.Command) (*schema.Model, error) {
	path, err := cmd.Flags().GetString("model")
	if err != nil {
		return nil, err
	}
	return schema.Load(path)
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a mapping model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadModel(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range m.Entities() {
				fmt.Fprintf(out, "%s\ttable=%s\tkey=%s\tattributes=%d\trelationships=%d\n",
					e.Name, e.Table, strings.Join(e.PrimaryKey, ","), len(e.Attributes), len(e.Relationships))
			}
			fmt.Fprintf(out, "ok: %d entities\n", len(m.Entities()))
			return nil
		},
	}
	modelFlag(cmd)
	return cmd
}

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the insert and delete order of a model",
		Long:  "Print the insert and delete order of a model. Entities in a reference cycle are marked with *.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadModel(cmd)
			if err != nil {
				return err
			}
			s := sorter.New(m)
			names := func(es []*schema.Entity) string {
				var out []string
				for _, e := range es {
					name := e.Name
					if s.IsCyclic(e.Name) {
						name += "*"
					}
					out = append(out, name)
				}
				return strings.Join(out, " ")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "insert:", names(s.SortEntities(m.Entities(), false)))
			fmt.Fprintln(out, "delete:", names(s.SortEntities(m.Entities(), true)))
			for _, g := range s.Groups() {
				if len(g.Entities) > 1 {
					fmt.Fprintln(out, "cycle:", names(g.Entities))
				}
			}
			return nil
		},
	}
	modelFlag(cmd)
	return cmd
}

func newSmokeCmd() *cobra.Command {
	var (
		entity string
		keep   bool
	)
	cmd := &cobra.Command{
		Use:   "smoke [name=value ...]",
		Short: "Insert one object, then delete it again",
		Long: `Insert one object of the entity with the given attribute values through a
full flush, print the executed batches, and delete the object again unless
--keep is set. Integers and booleans are converted, "null" is nil.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return smoke(cmd.Context(), path, entity, keep, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "entity of the inserted object")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the inserted object")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func smoke(ctx context.Context, cfgPath, entity string, keep bool, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)
	m, err := schema.Load(cfg.Model)
	if err != nil {
		return err
	}
	e, ok := m.Entity(entity)
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}
	values, err := parseValues(args)
	if err != nil {
		return err
	}

	name, err := cfg.Dialect()
	if err != nil {
		return err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	drv := entsql.NewStatsDriver(entsql.OpenDB(name, db),
		entsql.WithSlowThreshold(cfg.SlowThreshold),
		entsql.WithLogger(logger),
	)

	var remote persist.Cache
	if cfg.Redis.Address != "" {
		rs := redisstore.Open(redisstore.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		defer rs.Close()
		remote = rs
	}
	keys := keygen.NewTable(drv,
		keygen.WithBlockSize(cfg.Keys.BlockSize),
		keygen.WithTableName(cfg.Keys.Table),
		keygen.WithLogger(logger),
	)
	if e.KeyStrategy == schema.KeyGenerated {
		if err := keys.CreateTable(ctx); err != nil {
			return err
		}
	}
	f := flush.New(sqlgraph.NewBackend(drv, sqlgraph.WithLogger(logger)),
		flush.WithLogger(logger),
		flush.WithKeySource(keys),
		flush.WithMetrics(flush.NewMetrics(prometheus.NewRegistry())),
	)
	st := store.New(m, cache.New(cacheOptions(cfg, remote, logger)...),
		store.WithLogger(logger),
		store.WithLoader(sqlgraph.NewLoader(drv)),
	)
	defer st.Close()

	rec := object.NewRecord(e.Name)
	if _, err := st.Register(rec, e.Name); err != nil {
		return err
	}
	for _, kv := range values {
		if err := st.Set(rec, kv.name, kv.value); err != nil {
			return err
		}
	}
	if err := commit(ctx, f, st, stdout); err != nil {
		return err
	}
	id, _, _ := st.Lookup(rec)
	fmt.Fprintln(stdout, "inserted", id)
	if keep {
		return nil
	}
	if err := st.Delete(rec); err != nil {
		return err
	}
	if err := commit(ctx, f, st, stdout); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "deleted", id)
	fmt.Fprintln(stdout, drv.Stats().Snapshot())
	return nil
}

// cacheOptions configures the snapshot cache. The redis key prefix is
// applied by the remote store itself.
func cacheOptions(cfg *config.Config, remote persist.Cache, logger *slog.Logger) []cache.Option {
	opts := []cache.Option{cache.WithLogger(logger)}
	if remote != nil {
		opts = append(opts, cache.WithRemote(remote, cacheNamespace, cfg.Redis.TTL))
	}
	return opts
}

func commit(ctx context.Context, f *flush.Flusher, st *store.Store, stdout io.Writer) error {
	sum, err := f.Flush(ctx, st)
	if err != nil {
		f.Rollback(st)
		return err
	}
	for _, b := range sum.Batches {
		fmt.Fprintln(stdout, " ", b)
	}
	return nil
}

type assignment struct {
	name  string
	value any
}

// parseValues parses name=value arguments. Integers and booleans are
// converted, "null" is nil, anything else stays a string.
func parseValues(args []string) ([]assignment, error) {
	out := make([]assignment, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, want name=value", arg)
		}
		var v any = raw
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			v = n
		} else if b, err := strconv.ParseBool(raw); err == nil {
			v = b
		} else if raw == "null" {
			v = nil
		}
		out = append(out, assignment{name: name, value: v})
	}
	return out, nil
}
