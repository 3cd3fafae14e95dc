package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soaringjerry/Fieldform/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "fieldform",
		Short:         "Timed questionnaire sessions backed by an object store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("store-backend", "memory", "object store backend: memory, sqlite, s3 or redis")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")
	for key, name := range map[string]string{
		"store.backend": "store-backend",
		"log.level":     "log-level",
		"log.format":    "log-format",
	} {
		_ = v.BindPFlag(key, root.PersistentFlags().Lookup(name))
	}

	serve := newServeCommand(v, &cfgFile)
	root.AddCommand(serve)
	root.AddCommand(newMigrateCommand(v, &cfgFile))
	root.AddCommand(newVersionCommand(v))
	// Running the binary without a subcommand serves, as the container expects.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func newVersionCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "commit=%s build_time=%s\n", v.GetString("commit"), v.GetString("build_time"))
		},
	}
}
