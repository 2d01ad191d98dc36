// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the etaopt CLI, the driver for the
// design-space exploration engine. The optimize subcommand runs the
// generation loop against an external transport simulator; report reads a
// checkpoint database back as a convergence audit.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time via ldflags.
var version = "dev"

// exitCode carries the optimize exit contract out of the cobra handlers:
// 0 converged with a feasible solution, 1 budget exhausted with a feasible
// solution, 2 no feasible solution found, 3 fatal configuration error.
var exitCode int

// rootCmd is the base command for the etaopt CLI.
var rootCmd = &cobra.Command{
	Use:   "etaopt",
	Short: "Design-space exploration for radiation-transport engineering",
	Long: `etaopt searches a bounded vector of geometric and material design
variables against tallies produced by an external transport simulator. The
population optimizer dispatches candidate designs as batch jobs, prunes
infeasible designs before spending simulation budget, and stops on
convergence or budget exhaustion.

Runs checkpoint every generation to SQLite; interrupted runs resume with
the same seed and continue deterministically.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./etaopt.yaml or ~/.config/etaopt/config.yaml)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("etaopt")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "etaopt"))
		}
	}

	viper.SetEnvPrefix("ETAOPT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// run executes the CLI and resolves the process exit code. Errors the
// handlers did not classify (usage mistakes, infrastructure failures out
// of the run loop) are fatal rather than optimization outcomes.
func run() int {
	if err := rootCmd.Execute(); err != nil && exitCode == 0 {
		exitCode = 3
	}
	return exitCode
}

func main() {
	os.Exit(run())
}
