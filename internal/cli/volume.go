package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/model"
)

var volumeProps []string

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage the volumes of a repository",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create <repo> <name>",
	Short: "Create a volume in the active volume set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProperties(volumeProps)
		if err != nil {
			return err
		}
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			v, err := a.o.Volumes.CreateVolume(ctx, args[0], model.Volume{Name: args[1], Properties: props})
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(v, func() {
				printf("Created volume '%s' in '%s'\n", v.Name, args[0])
				if mp := storage.Mountpoint(v.Config); mp != "" {
					printf("  Mountpoint: %s\n", mp)
				}
			})
		})
	},
}

var volumeListCmd = &cobra.Command{
	Use:   "list <repo>",
	Short: "List the volumes of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			vols, err := a.o.Volumes.ListVolumes(ctx, args[0])
			if err != nil {
				return a.repoNotFound(ctx, err, args[0])
			}
			return output(vols, func() {
				if len(vols) == 0 {
					printf("No volumes\n")
				}
				for _, v := range vols {
					printf("%-20s %s\n", v.Name, storage.Mountpoint(v.Config))
				}
			})
		})
	},
}

var volumeGetCmd = &cobra.Command{
	Use:   "get <repo> <name>",
	Short: "Show a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			v, err := a.o.Volumes.GetVolume(ctx, args[0], args[1])
			if err != nil {
				return a.volumeNotFound(ctx, err, args[0], args[1])
			}
			return output(v, func() {
				printf("Volume: %s\n", v.Name)
				printf("  Mountpoint: %s\n", orNone(storage.Mountpoint(v.Config)))
				printProperties("  ", v.Properties)
			})
		})
	},
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "delete <repo> <name>",
	Short: "Delete a volume from the active volume set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Volumes.DeleteVolume(ctx, args[0], args[1]); err != nil {
				return a.volumeNotFound(ctx, err, args[0], args[1])
			}
			return output(map[string]string{"deleted": args[1]}, func() {
				printf("Deleted volume '%s'\n", args[1])
			})
		})
	},
}

var volumeActivateCmd = &cobra.Command{
	Use:   "activate <repo> <name>",
	Short: "Make a volume available at its mountpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Volumes.ActivateVolume(ctx, args[0], args[1]); err != nil {
				return a.volumeNotFound(ctx, err, args[0], args[1])
			}
			return output(map[string]string{"activated": args[1]}, func() {
				printf("Activated volume '%s'\n", args[1])
			})
		})
	},
}

var volumeDeactivateCmd = &cobra.Command{
	Use:   "deactivate <repo> <name>",
	Short: "Release a volume's mountpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(exclusive, func(ctx context.Context, a *app) error {
			if err := a.o.Volumes.DeactivateVolume(ctx, args[0], args[1]); err != nil {
				return a.volumeNotFound(ctx, err, args[0], args[1])
			}
			return output(map[string]string{"deactivated": args[1]}, func() {
				printf("Deactivated volume '%s'\n", args[1])
			})
		})
	},
}

var volumeStatusCmd = &cobra.Command{
	Use:   "status <repo> <name>",
	Short: "Show the size and readiness of a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(readOnly, func(ctx context.Context, a *app) error {
			st, err := a.o.Volumes.GetVolumeStatus(ctx, args[0], args[1])
			if err != nil {
				return a.volumeNotFound(ctx, err, args[0], args[1])
			}
			return output(st, func() {
				printf("Volume: %s%s\n", st.Name, readiness(st.Ready, st.Error))
				printf("  Logical size: %s\n", formatBytes(st.LogicalSize))
				printf("  Actual size:  %s\n", formatBytes(st.ActualSize))
			})
		})
	},
}

func (a *app) volumeNotFound(ctx context.Context, err error, repo, name string) error {
	return withSuggestion(err, name, func() []string {
		vols, lerr := a.o.Volumes.ListVolumes(ctx, repo)
		if lerr != nil {
			return nil
		}
		names := make([]string, 0, len(vols))
		for _, v := range vols {
			names = append(names, v.Name)
		}
		return names
	}, "titan volume list "+repo)
}

func init() {
	volumeCreateCmd.Flags().StringArrayVarP(&volumeProps, "property", "p", nil, "volume property as key=value (repeatable)")
	volumeCmd.AddCommand(volumeCreateCmd, volumeListCmd, volumeGetCmd, volumeDeleteCmd,
		volumeActivateCmd, volumeDeactivateCmd, volumeStatusCmd)
	rootCmd.AddCommand(volumeCmd)
}
