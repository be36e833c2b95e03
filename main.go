package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "./data/config.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	serve := newServeCmd(&configPath)

	root := &cobra.Command{
		Use:           "mineruweb",
		Short:         "MinerU PDF转换工具 Web 服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "配置文件路径")
	// serve is the default command, so its flags are accepted at the top level too.
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newBackupCmd(&configPath),
		newRestoreCmd(&configPath),
		newTasksCmd(&configPath),
		newPasswdCmd(&configPath),
		newVersionCmd(),
	)
	return root
}
