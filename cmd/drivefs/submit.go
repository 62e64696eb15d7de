package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bamsammich/drivefs/internal/event"
	"github.com/bamsammich/drivefs/internal/filter"
	"github.com/bamsammich/drivefs/internal/scheduler"
	"github.com/bamsammich/drivefs/internal/task"
	"github.com/bamsammich/drivefs/internal/tasks"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a file operation",
		Long: `Queue a file operation as a task. Paths are virtual: slash-separated and
relative to the drive root. The task runs on a serve process, or in this
process with --run.`,
	}
	cmd.PersistentFlags().Bool("run", false, "run queued tasks in this process until none is left")

	cmd.AddCommand(
		newSubmitCreateFolderCmd(),
		newSubmitDeleteCmd(),
		newSubmitCopyCmd(),
		newSubmitMoveCmd(),
		newSubmitTrashCmd(),
	)
	return cmd
}

// submit admits req, prints the new task id, and with --run executes the
// queue before printing the task's final state.
func submit(cmd *cobra.Command, tag task.Tag, payload any) error {
	owner, err := principal(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd, event.Discard)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	id, err := a.sched.Submit(ctx, owner, scheduler.Request{Tag: tag, Payload: payload})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)

	run, _ := cmd.Flags().GetBool("run") //nolint:errcheck // flag name is hardcoded
	if !run {
		return nil
	}
	if err := a.sched.RunOnce(ctx); err != nil {
		return err
	}
	d, err := a.sched.Get(ctx, id)
	if err != nil {
		return err
	}
	printDescriptor(cmd.OutOrStdout(), d)
	if d.Status == task.Failed {
		return fmt.Errorf("task %s failed: %s", id, d.ErrorMessage)
	}
	return nil
}

func newSubmitCreateFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-folder PATH",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vp, err := parsePath(args[0])
			if err != nil {
				return err
			}
			req := tasks.CreateFolderRequest{Path: vp}
			req.Parents, _ = cmd.Flags().GetBool("parents") //nolint:errcheck // flag name is hardcoded
			if cmd.Flags().Changed("mode") {
				s, _ := cmd.Flags().GetString("mode") //nolint:errcheck // flag name is hardcoded
				mode, err := strconv.ParseUint(s, 8, 32)
				if err != nil || mode&^0o7777 != 0 {
					return fmt.Errorf("invalid mode %q", s)
				}
				req.Mode = uint32(mode)
			}
			return submit(cmd, tasks.TagCreateFolder, req)
		},
	}
	cmd.Flags().BoolP("parents", "p", false, "create missing parent directories")
	cmd.Flags().String("mode", "", "octal permission bits (default from config)")
	return cmd
}

func newSubmitDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATH",
		Short: "Delete a file or directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vp, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return submit(cmd, tasks.TagDelete, tasks.NewDelete(vp))
		},
	}
}

func newSubmitCopyCmd() *cobra.Command {
	chain := filter.NewChain()
	var minSize, maxSize sizeFlag

	cmd := &cobra.Command{
		Use:   "copy SRC DST",
		Short: "Copy a file or directory tree",
		Long: `Copy SRC to DST. DST names the copy itself, not a directory to copy into.

--exclude and --include rules are evaluated in the order given, first match
wins, against paths relative to SRC. Rules from --exclude-from follow them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parsePath(args[0])
			if err != nil {
				return err
			}
			dst, err := parsePath(args[1])
			if err != nil {
				return err
			}
			st := tasks.CopyState{
				Source:      src,
				Destination: dst,
				Rules:       chain.Rules(),
				MinSize:     int64(minSize),
				MaxSize:     int64(maxSize),
			}
			flags := cmd.Flags()
			conflict, _ := flags.GetString("conflict") //nolint:errcheck // flag name is hardcoded
			symlinks, _ := flags.GetString("symlinks") //nolint:errcheck // flag name is hardcoded
			st.Verify, _ = flags.GetBool("verify")     //nolint:errcheck // flag name is hardcoded
			st.Conflict = tasks.ConflictPolicy(conflict)
			st.Symlinks = tasks.SymlinkPolicy(symlinks)

			if from, _ := flags.GetString("exclude-from"); from != "" { //nolint:errcheck // flag name is hardcoded
				rules, err := filter.ReadRules(from)
				if err != nil {
					return err
				}
				st.Rules = append(st.Rules, rules...)
			}
			return submit(cmd, tasks.TagCopy, st)
		},
	}
	cmd.Flags().Var(&filterFlag{chain: chain}, "exclude", "exclude paths matching PATTERN")
	cmd.Flags().Var(&filterFlag{chain: chain, include: true}, "include", "include paths matching PATTERN")
	cmd.Flags().String("exclude-from", "", "read filter rules from FILE")
	cmd.Flags().Var(&minSize, "min-size", "skip files smaller than SIZE")
	cmd.Flags().Var(&maxSize, "max-size", "skip files larger than SIZE")
	cmd.Flags().String("conflict", string(tasks.ConflictFail), "existing destination entries: fail, overwrite, or skip")
	cmd.Flags().String("symlinks", string(tasks.SymlinksCopy), "symbolic links: copy or skip")
	cmd.Flags().Bool("verify", false, "verify each copied file (BLAKE3)")
	return cmd
}

func newSubmitMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move SRC DST",
		Short: "Move a file or directory tree",
		Long: `Move SRC to DST. A rename is used when both are on one filesystem;
otherwise the tree is copied and the source deleted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parsePath(args[0])
			if err != nil {
				return err
			}
			dst, err := parsePath(args[1])
			if err != nil {
				return err
			}
			return submit(cmd, tasks.TagMove, tasks.NewMove(src, dst))
		},
	}
}

func newSubmitTrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash PATH",
		Short: "Move an entry into the owner's trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vp, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return submit(cmd, tasks.TagTrash, tasks.NewTrash(vp))
		},
	}
}
