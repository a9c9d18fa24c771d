package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/engine"
	"github.com/fireflow/fireflow/internal/filter"
	"github.com/fireflow/fireflow/internal/storage"
)

func newRootCmd() *cobra.Command {
	var projectDir string

	root := &cobra.Command{
		Use:           "fireflow",
		Short:         "Run calculation jobs on remote machines over FirecREST",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")

	open := func() (*storage.Storage, error) {
		return storage.Open(projectDir)
	}

	root.AddCommand(
		newInitCmd(&projectDir),
		newIngestCmd(open),
		newRunCmd(open),
		newEntityCmd("client", "Configure and inspect connections to FirecREST clients", open),
		newEntityCmd("code", "Configure and inspect codes running on a client", open),
		newCalcJobCmd(open),
	)
	return root
}

func newInitCmd(projectDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new project directory (database plus object store)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Init(*projectDir)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("Initialised project at %s\n", *projectDir)
			return nil
		},
	}
}

func newIngestCmd(open func() (*storage.Storage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.yaml>",
		Short: "Load objects, clients, codes and calcjobs from a YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return domain.Errorf(domain.KindValidation, "reading %s: %v", args[0], err)
			}
			doc, err := storage.ParseDocument(data)
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			added, err := store.SaveFromDocument(cmd.Context(), doc)
			if err != nil {
				return err
			}
			for section, pks := range added {
				fmt.Printf("Added %d %s: %v\n", len(pks), section, pks)
			}
			return nil
		},
	}
}

func newRunCmd(open func() (*storage.Storage, error)) *cobra.Command {
	var (
		limit        int
		pollInterval time.Duration
		pollTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all calcjobs whose process is in the playing state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			eng := engine.New(store, engine.Config{
				PollInterval: pollInterval,
				PollTimeout:  pollTimeout,
				LocalTesting: os.Getenv("FIRECREST_LOCAL_TESTING") != "",
			})
			return eng.RunUnfinished(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs to pick up")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "scheduler polling interval")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", 0, "scheduler polling timeout (0 waits forever)")
	return cmd
}

// listFlags are shared by the list subcommands.
type listFlags struct {
	where    string
	page     int
	pageSize int
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.where, "where", "", "filter rows, e.g. \"pk > 1 AND label LIKE 'a%'\"")
	cmd.Flags().IntVar(&f.page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 50, "rows per page")
}

func (f *listFlags) parse(table string) (*filter.Expr, error) {
	return filter.Parse(f.where, storage.Columns(table))
}

// newEntityCmd builds the list/show/delete command group for clients and
// codes, which share their surface.
func newEntityCmd(table, short string, open func() (*storage.Storage, error)) *cobra.Command {
	group := &cobra.Command{Use: table, Short: short}
	flags := &listFlags{}

	list := &cobra.Command{
		Use:   "list",
		Short: "List " + table + " rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			return printRows(cmd.Context(), store, table, flags)
		},
	}
	flags.register(list)

	group.AddCommand(list,
		newShowCmd(table, open),
		newDeleteCmd(table, open),
	)
	return group
}

func newCalcJobCmd(open func() (*storage.Storage, error)) *cobra.Command {
	group := newEntityCmd("calcjob", "Configure and inspect calculation jobs to run a code", open)

	play := &cobra.Command{
		Use:   "play <pk>",
		Short: "Flip a calcjob's process back to the playing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePk(args[0])
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			procs, err := storage.IterRows[*domain.Process](cmd.Context(), store, 1, 1, &filter.Expr{
				Conds: []filter.Condition{{Column: "calcjob_pk", Op: filter.OpEq, Value: pk}},
			})
			if err != nil {
				return err
			}
			if len(procs) == 0 {
				return domain.Errorf(domain.KindNotFound, "calcjob(%d) has no process", pk)
			}
			proc := procs[0]
			proc.Thaw()
			proc.State = domain.StatePlaying
			proc.Exception = nil
			if err := store.UpdateRow(cmd.Context(), proc); err != nil {
				return err
			}
			fmt.Printf("Process %d set to playing\n", proc.Pk)
			return nil
		},
	}
	group.AddCommand(play)
	return group
}

func newShowCmd(table string, open func() (*storage.Storage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "show <pk>",
		Short: "Show one " + table + " row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePk(args[0])
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			return printRow(cmd.Context(), store, table, pk)
		},
	}
}

func newDeleteCmd(table string, open func() (*storage.Storage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pk>",
		Short: "Delete one " + table + " row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePk(args[0])
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteByPk(cmd.Context(), table, pk); err != nil {
				return err
			}
			fmt.Printf("Deleted %s %d\n", table, pk)
			return nil
		},
	}
}

func parsePk(arg string) (int64, error) {
	pk, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.KindValidation, "invalid pk %q", arg)
	}
	return pk, nil
}

func printRows(ctx context.Context, store *storage.Storage, table string, flags *listFlags) error {
	where, err := flags.parse(table)
	if err != nil {
		return err
	}
	var exprs []*filter.Expr
	if where != nil {
		exprs = append(exprs, where)
	}
	count, err := store.CountRows(ctx, table, exprs...)
	if err != nil {
		return err
	}
	switch table {
	case "client":
		rows, err := storage.IterRows[*domain.Client](ctx, store, flags.page, flags.pageSize, exprs...)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%d\t%s\t%s\t%s\n", r.Pk, r.Label, r.ClientURL, r.MachineName)
		}
	case "code":
		rows, err := storage.IterRows[*domain.Code](ctx, store, flags.page, flags.pageSize, exprs...)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%d\t%s\tclient=%d\n", r.Pk, r.Label, r.ClientPk)
		}
	case "calcjob":
		rows, err := storage.IterRows[*domain.CalcJob](ctx, store, flags.page, flags.pageSize, exprs...)
		if err != nil {
			return err
		}
		for _, r := range rows {
			step, state := "?", "?"
			procs, err := storage.IterRows[*domain.Process](ctx, store, 1, 1, &filter.Expr{
				Conds: []filter.Condition{{Column: "calcjob_pk", Op: filter.OpEq, Value: r.Pk}},
			})
			if err == nil && len(procs) > 0 {
				step, state = procs[0].Step, procs[0].State
			}
			fmt.Printf("%d\t%s\t%s\t%s/%s\n", r.Pk, r.Label, r.UUID, step, state)
		}
	}
	fmt.Printf("(%d total)\n", count)
	return nil
}

func printRow(ctx context.Context, store *storage.Storage, table string, pk int64) error {
	switch table {
	case "client":
		r, err := storage.GetRow[*domain.Client](ctx, store, pk)
		if err != nil {
			return err
		}
		fmt.Printf("pk: %d\nlabel: %s\nclient_url: %s\nmachine_name: %s\nwork_dir: %s\nfsystem: %s\nsmall_file_size_mb: %d\n",
			r.Pk, r.Label, r.ClientURL, r.MachineName, r.WorkDir, r.FSystem, r.SmallFileSizeMB)
	case "code":
		r, err := storage.GetRow[*domain.Code](ctx, store, pk)
		if err != nil {
			return err
		}
		fmt.Printf("pk: %d\nlabel: %s\nclient_pk: %d\nupload_paths: %v\nscript:\n%s\n",
			r.Pk, r.Label, r.ClientPk, r.UploadPaths, r.Script)
	case "calcjob":
		r, err := storage.GetRow[*domain.CalcJob](ctx, store, pk)
		if err != nil {
			return err
		}
		fmt.Printf("pk: %d\nlabel: %s\nuuid: %s\ncode_pk: %d\nparameters: %v\ndownload_globs: %v\n",
			r.Pk, r.Label, r.UUID, r.CodePk, r.Parameters, r.DownloadGlobs)
		procs, err := storage.IterRows[*domain.Process](ctx, store, 1, 1, &filter.Expr{
			Conds: []filter.Condition{{Column: "calcjob_pk", Op: filter.OpEq, Value: r.Pk}},
		})
		if err == nil && len(procs) > 0 {
			p := procs[0]
			fmt.Printf("step: %s\nstate: %s\n", p.Step, p.State)
			if p.JobID != nil {
				fmt.Printf("job_id: %s\n", *p.JobID)
			}
			if p.Exception != nil {
				fmt.Printf("exception: %s\n", *p.Exception)
			}
			for path, key := range p.RetrievedPaths {
				if key == nil {
					fmt.Printf("retrieved: %s/ (directory)\n", path)
				} else {
					fmt.Printf("retrieved: %s -> %s\n", path, *key)
				}
			}
		}
	}
	return nil
}
