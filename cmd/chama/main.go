/**
 * @description
 * Entry point for the chama service binary. The root command exposes three
 * subcommands: `serve` runs the HTTP API and the broker consumers, `scheduler` runs
 * the periodic reconciliation jobs, and `migrate` applies the database schema.
 *
 * @dependencies
 * - github.com/spf13/cobra: Command-line structure.
 * - github.com/joho/godotenv: For loading .env files during local development.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:          "chama",
		Short:        "Chama group savings and lending engine",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd(&configDir))
	rootCmd.AddCommand(schedulerCmd(&configDir))
	rootCmd.AddCommand(migrateCmd(&configDir))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
