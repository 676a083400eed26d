package cli

import (
	"context"
	"sort"

	"github.com/spf13/cobra"

	"github.com/titan-data/titan/pkg/model"
)

var (
	repoProps []string
	repoName  string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProperties(repoProps)
		if err != nil {
			return err
		}
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			repo, err := a.o.Repositories.CreateRepository(ctx, model.Repository{Name: args[0], Properties: props})
			if err != nil {
				return err
			}
			return output(repo, func() { printf("Created repository '%s'\n", repo.Name) })
		})
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			repos, err := a.o.Repositories.ListRepositories(ctx)
			if err != nil {
				return err
			}
			return output(repos, func() {
				if len(repos) == 0 {
					printf("No repositories\n")
				}
				for _, r := range repos {
					printf("%s\n", r.Name)
				}
			})
		})
	},
}

var repoGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			repo, err := a.o.Repositories.GetRepository(ctx, args[0])
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(repo, func() {
				printf("Repository: %s\n", repo.Name)
				printProperties("  ", repo.Properties)
			})
		})
	},
}

var repoUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Rename a repository or replace its properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProperties(repoProps)
		if err != nil {
			return err
		}
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			cur, err := a.o.Repositories.GetRepository(ctx, args[0])
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			if repoName != "" {
				cur.Name = repoName
			}
			if cmd.Flags().Changed("property") {
				cur.Properties = props
			}
			repo, err := a.o.Repositories.UpdateRepository(ctx, args[0], cur)
			if err != nil {
				return err
			}
			return output(repo, func() { printf("Updated repository '%s'\n", repo.Name) })
		})
	},
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a repository with all its volumes, commits and remotes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Repositories.DeleteRepository(ctx, args[0]); err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(map[string]string{"deleted": args[0]}, func() {
				printf("Deleted repository '%s'\n", args[0])
			})
		})
	},
}

var repoStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show repository size, volumes and last commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			st, err := a.o.Repositories.GetRepositoryStatus(ctx, args[0])
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(st, func() {
				printf("Repository: %s\n", args[0])
				printf("  Last commit:   %s\n", orNone(st.LastCommit))
				printf("  Source commit: %s\n", orNone(st.SourceCommit))
				printf("  Logical size:  %s\n", formatBytes(st.LogicalSize))
				printf("  Actual size:   %s\n", formatBytes(st.ActualSize))
				for _, v := range st.VolumeStatus {
					printf("  Volume %s: %s logical, %s actual%s\n", v.Name,
						formatBytes(v.LogicalSize), formatBytes(v.ActualSize), readiness(v.Ready, v.Error))
				}
			})
		})
	},
}

func (a *app) repoNotFound(ctx context.Context, err error, name string) error {
	return withSuggestion(err, name, func() []string {
		repos, lerr := a.o.Repositories.ListRepositories(ctx)
		if lerr != nil {
			return nil
		}
		names := make([]string, 0, len(repos))
		for _, r := range repos {
			names = append(names, r.Name)
		}
		return names
	}, "titan repo list")
}

func printProperties(indent string, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		printf("%s%s: %v\n", indent, k, props[k])
	}
}

func init() {
	repoCreateCmd.Flags().StringArrayVarP(&repoProps, "property", "p", nil, "repository property as key=value (repeatable)")
	repoUpdateCmd.Flags().StringArrayVarP(&repoProps, "property", "p", nil, "replace properties with key=value pairs (repeatable)")
	repoUpdateCmd.Flags().StringVarP(&repoName, "name", "n", "", "new repository name")
	repoCmd.AddCommand(repoCreateCmd, repoListCmd, repoGetCmd, repoUpdateCmd, repoDeleteCmd, repoStatusCmd)
	rootCmd.AddCommand(repoCmd)
}
