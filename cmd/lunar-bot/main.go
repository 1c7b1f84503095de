package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "lunar-bot",
		Short: "Lunar Bot - retail purchase automation",
		Long: `Lunar Bot watches retail product pages and buys them when they come back
in stock or drop under a price ceiling. Purchases run as queued tasks on
browser bots that log in, add to cart and check out.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
