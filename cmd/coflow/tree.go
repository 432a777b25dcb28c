package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/jobfile"
	"github.com/imagvfx/coflow/store/sqlite"
	"github.com/spf13/cobra"
)

type treeTask struct {
	Title    string
	Status   string
	Subtasks []*treeTask

	line string
}

// statusOf represents a record's state, with the return code once terminated.
func statusOf(r coflow.Record) string {
	if r.State != coflow.StateTerminated {
		return r.State.String()
	}
	if r.ExitCode != nil && *r.ExitCode == 0 && r.Signal == nil {
		return "done"
	}
	switch {
	case r.Signal != nil && r.ExitCode != nil:
		return fmt.Sprintf("failed (exit %v, signal %v)", *r.ExitCode, *r.Signal)
	case r.Signal != nil:
		return fmt.Sprintf("failed (signal %v)", *r.Signal)
	case r.ExitCode != nil:
		return fmt.Sprintf("failed (exit %v)", *r.ExitCode)
	}
	return "failed"
}

// buildTrees makes trees of records; roots are the records without a known parent.
// Records of a parent keep their order.
func buildTrees(recs []coflow.Record) []*treeTask {
	nodes := make(map[string]*treeTask, len(recs))
	for _, r := range recs {
		title := r.JobName
		if r.Kind != coflow.KindApplication.String() {
			title += " [" + r.Kind + "]"
		}
		if r.Retried > 0 {
			title += fmt.Sprintf(" (retried %v)", r.Retried)
		}
		nodes[r.ID] = &treeTask{Title: title, Status: statusOf(r)}
	}
	roots := make([]*treeTask, 0)
	for _, r := range recs {
		n := nodes[r.ID]
		parent, ok := nodes[r.Parent]
		if r.Parent == "" || !ok {
			roots = append(roots, n)
			continue
		}
		parent.Subtasks = append(parent.Subtasks, n)
	}
	return roots
}

func fixTask(t *treeTask) int {
	nDone := 0
	for _, subt := range t.Subtasks {
		nDone += fixTask(subt)
	}
	if len(t.Subtasks) == 0 {
		t.line = fmt.Sprintf("- %v", t.Status)
	} else {
		t.line = fmt.Sprintf("+ %v (%v/%v)", t.Status, nDone, len(t.Subtasks))
	}
	if t.Title != "" {
		t.line += ": " + t.Title
	}
	if t.Status == "done" {
		return 1
	}
	return 0
}

func printTask(w io.Writer, t *treeTask, depth int) {
	pre := strings.Repeat("\t", depth)
	fmt.Fprintf(w, "%v%v\n", pre, t.line)
	for _, t := range t.Subtasks {
		printTask(w, t, depth+1)
	}
}

func printTrees(w io.Writer, recs []coflow.Record) {
	for _, t := range buildTrees(recs) {
		fixTask(t)
		printTask(w, t, 0)
	}
}

// jobRecords returns the records of the tasks a job file builds.
func jobRecords(path string) ([]coflow.Record, error) {
	j, err := jobfile.Load(path)
	if err != nil {
		return nil, err
	}
	root, err := j.Build()
	if err != nil {
		return nil, err
	}
	var recs []coflow.Record
	coflow.Walk(root, func(t coflow.Task, parent string) {
		recs = append(recs, coflow.RecordOf(t, parent))
	})
	return recs, nil
}

// dbRecords returns the records under the task with id,
// or every record when id is empty.
func dbRecords(ctx context.Context, db, id string) ([]coflow.Record, error) {
	s, err := sqlite.NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if id == "" {
		recs, err := s.Find(ctx, coflow.Filter{})
		if err != nil {
			return nil, err
		}
		sortByID(recs)
		return recs, nil
	}
	recs, err := s.Find(ctx, coflow.Filter{ID: id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no task with id %v", coflow.ErrInvalidArgument, id)
	}
	for i := 0; i < len(recs); i++ {
		parent := recs[i].ID
		subs, err := s.Find(ctx, coflow.Filter{Parent: &parent})
		if err != nil {
			return nil, err
		}
		sortByID(subs)
		recs = append(recs, subs...)
	}
	return recs, nil
}

// sortByID sorts records in the order their tasks were created,
// as ids are xids.
func sortByID(recs []coflow.Record) {
	slices.SortFunc(recs, func(a, b coflow.Record) int {
		return strings.Compare(a.ID, b.ID)
	})
}

func treeCmd() *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "tree (job-file | --db path [task-id])",
		Short: "print the task tree of a job file, or of tasks saved in a database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				recs []coflow.Record
				err  error
			)
			if db != "" {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				recs, err = dbRecords(cmd.Context(), db, id)
			} else {
				if len(args) == 0 {
					return fmt.Errorf("need a job file or --db")
				}
				recs, err = jobRecords(args[0])
			}
			if err != nil {
				return err
			}
			printTrees(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "sqlite database tasks were saved to")
	return cmd
}
