package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/rollout/pkg/cluster"
	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/ecs"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by all commands of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string

	// newCluster connects to the cluster API
	newCluster func(ctx context.Context, cfg ecs.Config) (cluster.Client, error)
}

func newApp() *app {
	return &app{
		v: config.NewViper(),
		newCluster: func(ctx context.Context, cfg ecs.Config) (cluster.Client, error) {
			return ecs.New(ctx, cfg)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rollout",
		Short: "rollout - Autonomous rolling deployments for ECS services",
		Long: `rollout points an ECS service at a new task definition and watches
the deployment until it is steady, rolling back to the previous task
definition when too many tasks of the new deployment fail.

Every flag can also be set through a ROLLOUT_ environment variable,
for example ROLLOUT_FAILURE_THRESHOLD=2.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFlags(cmd); err != nil {
				return err
			}
			if a.cfgFile != "" {
				a.v.SetConfigFile(a.cfgFile)
			}

			log.Init(log.Config{
				Level:      log.ParseLevel(a.v.GetString(config.KeyLogLevel)),
				JSONOutput: a.v.GetBool(config.KeyLogJSON),
				Output:     cmd.ErrOrStderr(),
			})
			metrics.SetVersion(Version)
			return nil
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rollout version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (YAML)")
	flags.String(config.FlagName(config.KeyLogLevel), "info", "Log level (debug, info, warn, error)")
	flags.Bool(config.FlagName(config.KeyLogJSON), false, "Log in JSON format")
	flags.String(config.FlagName(config.KeyHistoryDB), "", "Deployment history database (default ~/.rollout/history.db)")

	rootCmd.AddCommand(newDeployCmd(a))
	rootCmd.AddCommand(newApplyCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags binds the flags of the running command to their configuration
// keys, so flags win over the environment and the config file
func (a *app) bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		err = a.v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

// loadConfig resolves the configuration of the running command
func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rollout version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	}
}
