package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/store/sqlite"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		db    string
		state string
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history --db path [job-name]",
		Short: "list tasks saved in a database, latest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := coflow.Filter{Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			if len(args) == 1 {
				f.JobName = args[0]
			}
			if state != "" {
				s, err := coflow.ParseRunState(state)
				if err != nil {
					return err
				}
				f.State = &s
			}
			ctx := cmd.Context()
			s, err := sqlite.NewStore(ctx, db)
			if err != nil {
				return err
			}
			defer s.Close()
			recs, err := s.Find(ctx, f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "UPDATED\tID\tKIND\tNAME\tSTATE\tRC\tRESOURCE\tINFO")
			for _, r := range recs {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
					r.Updated.Format(time.DateTime), r.ID, r.Kind, r.JobName, r.State, rcOf(r), r.Resource, r.Info)
			}
			return w.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&db, "db", "coflow.db", "sqlite database tasks were saved to")
	fl.StringVar(&state, "state", "", "only the tasks in the state")
	fl.DurationVar(&since, "since", 0, "only the tasks updated in the duration")
	fl.IntVarP(&limit, "limit", "n", 50, "number of tasks to list, 0 lists every task")
	return cmd
}

// rcOf represents the return code of a record, or "-" when it isn't set.
func rcOf(r coflow.Record) string {
	if r.ExitCode == nil && r.Signal == nil {
		return "-"
	}
	exit, sig := 255, 0
	if r.ExitCode != nil {
		exit = *r.ExitCode
	}
	if r.Signal != nil {
		sig = *r.Signal
	}
	return fmt.Sprint(exit<<8 | sig)
}
