package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/titan-data/titan/internal/orchestrator"
	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/progress"
)

// pollInterval is how often progress is polled while following an
// operation.
var pollInterval = 250 * time.Millisecond

var (
	transferRemote       string
	transferMetadataOnly bool
	transferDetach       bool
)

var pushCmd = &cobra.Command{
	Use:   "push <repo> <commit>",
	Short: "Push a commit to a remote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args[0], args[1], (*orchestrator.OperationOrchestrator).StartPush)
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <repo> <commit>",
	Short: "Pull a commit from a remote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transfer(args[0], args[1], (*orchestrator.OperationOrchestrator).StartPull)
	},
}

type startFunc func(o *orchestrator.OperationOrchestrator, ctx context.Context, repo, remoteName, commitID string,
	params model.RemoteParameters, metadataOnly bool) (model.Operation, error)

func transfer(repo, commit string, start startFunc) error {
	return withApp(tracking, func(ctx context.Context, a *app) error {
		params, err := a.remoteParameters(ctx, repo, transferRemote)
		if err != nil {
			return err
		}
		op, err := start(a.o.Operations, ctx, repo, transferRemote, commit, params, transferMetadataOnly)
		if err != nil {
			return err
		}
		if transferDetach {
			return output(op, func() {
				printf("Started %s %s of %s\n", op.Type, color.Highlight(op.ID), op.CommitID)
				printf("Run %s to resume it.\n", color.Code("titan serve"))
			})
		}
		if !jsonOutput {
			printf("Started %s %s of %s\n", op.Type, color.Highlight(op.ID), op.CommitID)
		}
		return a.follow(ctx, repo, op.ID)
	})
}

// follow prints the progress of an operation until it has finished. An
// interrupt aborts the operation and keeps following until the abort has
// been recorded.
func (a *app) follow(ctx context.Context, repo, id string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var bar *progress.Terminal
	var last int64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		entries, err := a.o.Operations.GetProgress(ctx, repo, id, last)
		if err != nil {
			return err
		}
		for _, e := range entries {
			last = e.ID
			if err := outputJSON(e); err != nil {
				return err
			}
			if done, err := render(&bar, e); done {
				return err
			}
		}

		select {
		case <-sigs:
			if !jsonOutput {
				printf("\nAborting operation %s\n", id)
			}
			if err := a.o.Operations.AbortOperation(ctx, repo, id); err != nil && !errors.Is(err, errclass.ErrNoSuchObject) {
				return err
			}
		case <-ticker.C:
		}
	}
}

// render prints one progress entry and reports whether it was the last.
func render(bar **progress.Terminal, e model.ProgressEntry) (bool, error) {
	switch e.Type {
	case model.ProgressStart:
		*bar = progress.NewTerminal(e.Message, !jsonOutput)
		(*bar).SetWriter(os.Stdout)
		(*bar).Update(0, "")
	case model.ProgressProgress:
		if *bar != nil && e.Percent != nil {
			(*bar).Update(*e.Percent, e.Message)
		}
	case model.ProgressEnd:
		if *bar != nil {
			(*bar).Done(e.Message)
			*bar = nil
		}
	case model.ProgressMessage:
		if !jsonOutput {
			printf("%s\n", e.Message)
		}
	case model.ProgressComplete:
		if !jsonOutput {
			printf("%s\n", color.Success("Operation complete"))
		}
		return true, nil
	case model.ProgressAbort:
		return true, errors.New("operation aborted")
	case model.ProgressFailed:
		return true, fmt.Errorf("operation failed: %s", e.Message)
	}
	return false, nil
}

var operationCmd = &cobra.Command{
	Use:     "operation",
	Aliases: []string{"op"},
	Short:   "Inspect and control push and pull operations",
}

var operationListCmd = &cobra.Command{
	Use:   "list <repo>",
	Short: "List operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(tracking, func(ctx context.Context, a *app) error {
			ops, err := a.o.Operations.ListOperations(ctx, args[0])
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(ops, func() {
				if len(ops) == 0 {
					printf("No operations\n")
				}
				for _, op := range ops {
					printf("%s  %-4s  %-8s  %s  %s\n", color.Highlight(op.ID), op.Type, op.State, op.Remote, op.CommitID)
				}
			})
		})
	},
}

var operationGetCmd = &cobra.Command{
	Use:   "get <repo> <id>",
	Short: "Show an operation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(tracking, func(ctx context.Context, a *app) error {
			op, err := a.o.Operations.GetOperation(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return output(op, func() {
				printf("Operation: %s\n", color.Highlight(op.ID))
				printf("  Type:   %s\n", op.Type)
				printf("  State:  %s\n", op.State)
				printf("  Remote: %s\n", op.Remote)
				printf("  Commit: %s\n", op.CommitID)
			})
		})
	},
}

var operationAbortCmd = &cobra.Command{
	Use:   "abort <repo> <id>",
	Short: "Abort a running operation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(tracking, func(ctx context.Context, a *app) error {
			if err := a.o.Operations.AbortOperation(ctx, args[0], args[1]); err != nil {
				return err
			}
			return output(map[string]string{"aborted": args[1]}, func() {
				printf("Aborted operation %s\n", args[1])
			})
		})
	},
}

var operationProgressCmd = &cobra.Command{
	Use:   "progress <repo> <id>",
	Short: "Follow the progress of an operation until it finishes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(tracking, func(ctx context.Context, a *app) error {
			return a.follow(ctx, args[0], args[1])
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{pushCmd, pullCmd} {
		c.Flags().StringVarP(&transferRemote, "remote", "r", "origin", "remote name")
		c.Flags().StringArrayVarP(&remoteParams, "param", "P", nil, "request parameter as key=value (repeatable)")
		c.Flags().BoolVar(&transferMetadataOnly, "metadata-only", false, "transfer commit metadata only")
		c.Flags().BoolVarP(&transferDetach, "detach", "d", false, "start the operation and return without following it")
	}
	operationCmd.AddCommand(operationListCmd, operationGetCmd, operationAbortCmd, operationProgressCmd)
	rootCmd.AddCommand(pushCmd, pullCmd, operationCmd)
}
