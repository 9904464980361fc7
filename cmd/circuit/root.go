package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-circuit/internal/config"
	"github.com/23skdu/longbow-circuit/internal/logger"
)

type app struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "circuit",
		Short:        "Edge-pruning ablation experiments",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newRunCmd(a), newGenDataCmd(), newVersionCmd())
	return root
}

// bindFlag wires a cobra flag to a viper key so flags override file and env.
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, name, key string) error {
	f := flags.Lookup(name)
	if f == nil {
		return fmt.Errorf("flag for config key %q not found", key)
	}
	return v.BindPFlag(key, f)
}

// loadConfig resolves file, env and flags, then configures logging.
func (a *app) loadConfig(flags *pflag.FlagSet, bindings map[string]string) (config.Config, error) {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return config.Config{}, err
	}
	for name, key := range bindings {
		if err := bindFlag(v, flags, name, key); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	logger.Setup(cfg.LoggerOptions())
	return cfg, nil
}
