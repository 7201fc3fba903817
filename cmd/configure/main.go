package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medgrid/vitalwatch/cmd/configure/commands"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "vitalwatch-configure",
		Short: "Configuration tool for the VitalWatch API",
		Long:  "CLI tool for managing database-backed CORS and rate limit settings",
	}

	rootCmd.AddCommand(commands.NewCorsCmd())
	rootCmd.AddCommand(commands.NewRatelimitCmd())
	rootCmd.AddCommand(commands.NewTestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
