package commands

import (
	"fmt"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/version"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/spf13/cobra"
)

var (
	// Used for flags.
	flagConfig string

	rootCmd = &cobra.Command{
		Use:           "dni",
		Short:         "Runtime diagnostics listener for managed processes",
		Long:          "dni - attaches to running .NET processes and republishes GC, allocation and JIT events",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "d", "", "config file path")

	rootCmd.AddCommand(listenCmd, collectCmd, psCmd, versionCmd)
}

func initConfig() {
	var err error
	err = config.Initialize(flagConfig)
	if err != nil {
		fmt.Println("failed to initialize config")
		cobra.CheckErr(err)
	}

	err = logx.Initialize(config.Get().Log)
	if err != nil {
		fmt.Println(err)
		cobra.CheckErr(err)
	}
}
