package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"autochat/internal/app"
	"autochat/internal/storage"
	"autochat/internal/task/scheduler"
	logx "autochat/pkg/logx"
)

func tasksCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and clean the task store directly",
		Long: `Works against the configured store without the bot. With sqlite, stop the
bot first or expect busy timeouts.`,
	}
	cmd.AddCommand(tasksListCmd(cfgPath), tasksCleanupCmd(cfgPath))
	return cmd
}

func openStore(cfgPath string) (storage.Store, error) {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg, logx.Nop())
}

func tasksListCmd(cfgPath *string) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending tasks (or every task of --kind)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			var rows []storage.Task
			if kind != "" {
				rows, err = st.FindByKind(cmd.Context(), kind)
			} else {
				rows, err = st.FindAllPending(cmd.Context())
			}
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), rows, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "list every row of this kind, whatever its status")
	return cmd
}

func printTasks(w io.Writer, rows []storage.Task, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSEQ\tSTATUS\tNEXT\tTARGET")
	for _, t := range rows {
		next := t.NextExecution.Local().Format("2006-01-02 15:04:05")
		if t.Status == storage.StatusPending {
			if d := t.NextExecution.Sub(now); d >= 0 {
				next += " (in " + scheduler.FormatDelay(d) + ")"
			} else {
				next += " " + color.New(color.FgRed).Sprint("(overdue)")
			}
		}
		tt := t.TargetType
		if tt == "" {
			tt = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.ID, t.Kind, t.Seq, t.Status, next, tt)
	}
	_ = tw.Flush()
}

func tasksCleanupCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished rows and pending rows whose time has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()

			finished, err := st.CleanupFinished(cmd.Context())
			if err != nil {
				return err
			}
			expired, err := st.CleanupExpired(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed %d finished and %d expired rows\n",
				color.New(color.FgGreen).Sprint("✓"), finished, expired)
			return nil
		},
	}
}
