package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/drivefs/internal/config"
	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/nativefs"
	"github.com/bamsammich/drivefs/internal/stats"
	"github.com/bamsammich/drivefs/internal/task"
)

// withApp runs fn with an app that has no event sink.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd, event.Discard)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func withTask(fn func(cmd *cobra.Command, a *app, id task.ID) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := task.ParseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error { return fn(cmd, a, id) })
	}
}

func progressString(p task.Progress) string {
	total := "?"
	if p.ItemsTotal >= 0 {
		total = fmt.Sprint(p.ItemsTotal)
	}
	return fmt.Sprintf("%d/%s items, %s", p.ItemsDone, total, stats.FormatBytes(p.BytesDone))
}

func printDescriptor(w io.Writer, d task.Descriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", d.ID)
	fmt.Fprintf(tw, "type:\t%s\n", d.Type)
	fmt.Fprintf(tw, "owner:\t%s\n", d.Owner)
	fmt.Fprintf(tw, "status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "progress:\t%s\n", progressString(d.Progress))
	if d.ErrorMessage != "" {
		fmt.Fprintf(tw, "error:\t%s: %s\n", d.ErrorKind, d.ErrorMessage)
	}
	if d.Attempts > 0 {
		fmt.Fprintf(tw, "attempts:\t%d\n", d.Attempts)
	}
	if d.Lease.Owner != "" {
		fmt.Fprintf(tw, "lease:\t%s until %s\n", d.Lease.Owner, d.Lease.Expiry.Format(time.RFC3339))
	}
	if d.CancelRequested {
		fmt.Fprintf(tw, "cancel:\trequested\n")
	}
	fmt.Fprintf(tw, "created:\t%s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "updated:\t%s\n", d.UpdatedAt.Format(time.RFC3339))
	if raw, err := task.DecodeJSON(d.Payload); err == nil {
		fmt.Fprintf(tw, "payload:\t%s\n", raw)
	}
	tw.Flush() //nolint:errcheck // terminal output
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: withTask(func(cmd *cobra.Command, a *app, id task.ID) error {
			d, err := a.sched.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printDescriptor(cmd.OutOrStdout(), d)
			return nil
		}),
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			var f task.Filter
			f.Owner, _ = flags.GetString("owner")      //nolint:errcheck // flag name is hardcoded
			f.Limit, _ = flags.GetInt("limit")         //nolint:errcheck // flag name is hardcoded
			names, _ := flags.GetStringSlice("status") //nolint:errcheck // flag name is hardcoded
			for _, n := range names {
				s := task.Status(strings.ToUpper(n))
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", n)
				}
				f.Status = append(f.Status, s)
			}

			return withApp(cmd, func(a *app) error {
				ds, err := a.sched.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tOWNER\tSTATUS\tPROGRESS\tUPDATED")
				for _, d := range ds {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						d.ID, d.Type, d.Owner, d.Status, progressString(d.Progress),
						d.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().String("owner", "", "only tasks owned by PRINCIPAL")
	cmd.Flags().StringSlice("status", nil, "only tasks in STATUS (repeatable)")
	cmd.Flags().Int("limit", 50, "maximum number of tasks (0 for all)")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request that a task stop",
		Args:  cobra.ExactArgs(1),
		RunE: withTask(func(cmd *cobra.Command, a *app, id task.ID) error {
			return a.sched.Cancel(cmd.Context(), id)
		}),
	}
}

func newResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit ID",
		Short: "Queue the unfinished part of a failed task again",
		Args:  cobra.ExactArgs(1),
		RunE: withTask(func(cmd *cobra.Command, a *app, id task.ID) error {
			owner, err := principal(cmd)
			if err != nil {
				return err
			}
			newID, err := a.sched.Resubmit(cmd.Context(), owner, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), newID)
			return nil
		}),
	}
}

func newAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack ID",
		Short: "Acknowledge a finished task so it can be purged",
		Args:  cobra.ExactArgs(1),
		RunE: withTask(func(cmd *cobra.Command, a *app, id task.ID) error {
			return a.sched.Ack(cmd.Context(), id)
		}),
	}
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete acknowledged tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than") //nolint:errcheck // flag name is hardcoded
			failed, _ := cmd.Flags().GetBool("failed")            //nolint:errcheck // flag name is hardcoded
			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				if failed {
					// Failed tasks are kept for resubmission until acknowledged.
					ds, err := a.sched.List(ctx, task.Filter{Status: []task.Status{task.Failed}})
					if err != nil {
						return err
					}
					for _, d := range ds {
						if err := a.sched.Ack(ctx, d.ID); err != nil {
							return err
						}
					}
				}
				n, err := a.sched.Purge(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d tasks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Duration("older-than", 0, "only tasks not updated within DURATION")
	cmd.Flags().Bool("failed", false, "acknowledge and purge failed tasks too")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a server is running and what is queued",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				w := cmd.OutOrStdout()
				s, err := config.ReadServeState(config.ServeStatePath(a.cfg.Store.Path))
				switch {
				case errors.Is(err, os.ErrNotExist):
					fmt.Fprintln(w, "server: not running")
				case err != nil:
					return err
				default:
					fmt.Fprintf(w, "server: %s since %s, %d workers\n",
						s.Name, s.Started.Format(time.RFC3339), s.Workers)
					if s.Metrics != "" {
						fmt.Fprintf(w, "metrics: http://%s/metrics\n", s.Metrics)
					}
				}

				ds, err := a.sched.List(cmd.Context(), task.Filter{})
				if err != nil {
					return err
				}
				counts := make(map[task.Status]int)
				for _, d := range ds {
					counts[d.Status]++
				}
				for _, st := range []task.Status{task.Pending, task.Running, task.Paused, task.Failed, task.Complete} {
					fmt.Fprintf(w, "%-9s %d\n", strings.ToLower(string(st))+":", counts[st])
				}
				return nil
			})
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show an entry's attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vp, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				attrs, err := nativefs.Call(cmd.Context(), a.pool, func() (nativefs.Attributes, error) {
					return a.fs.Stat(vp)
				})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "path:\t%s\n", vp)
				fmt.Fprintf(tw, "type:\t%s\n", attrs.Type)
				fmt.Fprintf(tw, "size:\t%d\n", attrs.Size)
				fmt.Fprintf(tw, "mode:\t%04o\n", attrs.Mode&0o7777)
				fmt.Fprintf(tw, "owner:\t%d:%d\n", attrs.UID, attrs.GID)
				fmt.Fprintf(tw, "modified:\t%s\n", attrs.Modified.Format(time.RFC3339))
				if attrs.LinkTarget != "" {
					fmt.Fprintf(tw, "target:\t%s\n", attrs.LinkTarget)
				}
				for k, v := range attrs.Metadata {
					fmt.Fprintf(tw, "xattr %s:\t%s\n", k, v)
				}
				return tw.Flush()
			})
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := "/"
			if len(args) == 1 {
				arg = args[0]
			}
			vp, err := parsePath(arg)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				entries, err := nativefs.Call(cmd.Context(), a.pool, func() ([]nativefs.Entry, error) {
					var out []nativefs.Entry
					for e, err := range a.fs.List(vp) {
						if err != nil {
							return nil, err
						}
						out = append(out, e)
					}
					return out, nil
				})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, e := range entries {
					name := e.Name
					if e.IsDir() {
						name += "/"
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Modified.Format(time.RFC3339), e.Size, name)
				}
				return tw.Flush()
			})
		},
	}
}
