package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

var (
	commitID      string
	commitMessage string
	commitTags    []string
	commitFilter  []string
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Manage the commits of a repository",
}

var commitCreateCmd = &cobra.Command{
	Use:   "create <repo>",
	Short: "Commit the active volumes of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(commitTags)
		if err != nil {
			return err
		}
		commit := model.Commit{ID: commitID, Properties: map[string]any{}}
		if commitMessage != "" {
			commit.Properties["message"] = commitMessage
		}
		commit.SetTags(tags)
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			created, err := a.o.Commits.CreateCommit(ctx, args[0], commit)
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(created, func() {
				printf("Created commit %s\n", color.Highlight(created.ID))
			})
		})
	},
}

var commitListCmd = &cobra.Command{
	Use:   "list <repo>",
	Short: "List commits newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			commits, err := a.o.Commits.ListCommits(ctx, args[0], commitFilter)
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(commits, func() { printCommits(commits) })
		})
	},
}

var commitGetCmd = &cobra.Command{
	Use:   "get <repo> <id>",
	Short: "Show a commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			c, err := a.o.Commits.GetCommit(ctx, args[0], args[1])
			if err != nil {
				return a.commitNotFound(ctx, err, args[0], args[1])
			}
			return output(c, func() { printCommit(c) })
		})
	},
}

var commitTagCmd = &cobra.Command{
	Use:   "tag <repo> <id>",
	Short: "Replace the tags of a commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(commitTags)
		if err != nil {
			return err
		}
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			c, err := a.o.Commits.GetCommit(ctx, args[0], args[1])
			if err != nil {
				return a.commitNotFound(ctx, err, args[0], args[1])
			}
			c.SetTags(tags)
			updated, err := a.o.Commits.UpdateCommit(ctx, args[0], c)
			if err != nil {
				return err
			}
			return output(updated, func() { printCommit(updated) })
		})
	},
}

var commitDeleteCmd = &cobra.Command{
	Use:   "delete <repo> <id>",
	Short: "Delete a commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Commits.DeleteCommit(ctx, args[0], args[1]); err != nil {
				return a.commitNotFound(ctx, err, args[0], args[1])
			}
			return output(map[string]string{"deleted": args[1]}, func() {
				printf("Deleted commit %s\n", args[1])
			})
		})
	},
}

var commitStatusCmd = &cobra.Command{
	Use:   "status <repo> <id>",
	Short: "Show the storage used by a commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			st, err := a.o.Commits.GetCommitStatus(ctx, args[0], args[1])
			if err != nil {
				return a.commitNotFound(ctx, err, args[0], args[1])
			}
			return output(st, func() {
				printf("Commit: %s%s\n", args[1], readiness(st.Ready, st.Error))
				printf("  Logical size: %s\n", formatBytes(st.LogicalSize))
				printf("  Actual size:  %s\n", formatBytes(st.ActualSize))
				printf("  Unique size:  %s\n", formatBytes(st.UniqueSize))
			})
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <repo> <id>",
	Short: "Replace the active volumes with the contents of a commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Commits.CheckoutCommit(ctx, args[0], args[1]); err != nil {
				return a.commitNotFound(ctx, err, args[0], args[1])
			}
			return output(map[string]string{"checkedOut": args[1]}, func() {
				printf("Checked out commit %s\n", color.Highlight(args[1]))
			})
		})
	},
}

// parseTags accepts "key" or "key=value" pairs.
func parseTags(pairs []string) (map[string]string, error) {
	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		if k == "" {
			return nil, errclass.ErrInvalidArgument.WithMessagef("invalid tag '%s'", p)
		}
		tags[k] = v
	}
	return tags, nil
}

func printCommits(commits []model.Commit) {
	if len(commits) == 0 {
		printf("No commits\n")
		return
	}
	for _, c := range commits {
		line := color.Highlight(c.ID)
		if ts := c.Timestamp(); !ts.IsZero() {
			line += "  " + ts.Local().Format("2006-01-02 15:04:05")
		}
		if tags := formatTags(c); tags != "" {
			line += "  " + color.Dim("["+tags+"]")
		}
		printf("%s\n", line)
	}
}

func printCommit(c model.Commit) {
	printf("Commit: %s\n", color.Highlight(c.ID))
	if ts := c.Timestamp(); !ts.IsZero() {
		printf("  Date:    %s\n", ts.Local().Format("2006-01-02 15:04:05"))
	}
	if msg, ok := c.Properties["message"].(string); ok && msg != "" {
		printf("  Message: %s\n", msg)
	}
	if tags := formatTags(c); tags != "" {
		printf("  Tags:    %s\n", tags)
	}
}

func (a *app) commitNotFound(ctx context.Context, err error, repo, id string) error {
	return withSuggestion(err, id, func() []string {
		commits, lerr := a.o.Commits.ListCommits(ctx, repo, nil)
		if lerr != nil {
			return nil
		}
		ids := make([]string, 0, len(commits))
		for _, c := range commits {
			ids = append(ids, c.ID)
		}
		return ids
	}, "titan commit list "+repo)
}

func init() {
	commitCreateCmd.Flags().StringVar(&commitID, "id", "", "commit id (default generated)")
	commitCreateCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCreateCmd.Flags().StringArrayVarP(&commitTags, "tag", "t", nil, "tag as key or key=value (repeatable)")
	commitTagCmd.Flags().StringArrayVarP(&commitTags, "tag", "t", nil, "tag as key or key=value (repeatable)")
	commitListCmd.Flags().StringArrayVarP(&commitFilter, "tag", "t", nil, "only commits with this tag (key or key=value, repeatable)")
	commitCmd.AddCommand(commitCreateCmd, commitListCmd, commitGetCmd, commitTagCmd, commitDeleteCmd, commitStatusCmd)
	rootCmd.AddCommand(commitCmd, checkoutCmd)
}
