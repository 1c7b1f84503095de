package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Lunary1/lunar-bot/internal/botmanager"
)

func init() {
	botsCmd := &cobra.Command{
		Use:   "bots",
		Short: "List the bots of the running server",
		RunE:  runBots,
	}
	rootCmd.AddCommand(botsCmd)

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate bot metrics of the running server",
		RunE:  runMetrics,
	}
	rootCmd.AddCommand(metricsCmd)
}

func stateColor(s botmanager.State) *color.Color {
	switch s {
	case botmanager.StateRunning:
		return color.New(color.FgCyan)
	case botmanager.StateError:
		return color.New(color.FgRed)
	case botmanager.StateStopped:
		return color.New(color.Faint)
	default:
		return color.New(color.FgGreen)
	}
}

func runBots(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var bots []botmanager.Info
	if err := newAPIClient(cfg).do(cmd.Context(), "GET", "/api/bots", nil, &bots); err != nil {
		return err
	}
	printBots(os.Stdout, bots, time.Now())
	return nil
}

func printBots(out io.Writer, bots []botmanager.Info, now time.Time) {
	if len(bots) == 0 {
		fmt.Fprintln(out, "No bots")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTORE\tSTATE\tTASK\tDONE\tFAILED\tAVG\tIDLE\tLAST ERROR")
	for _, b := range bots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			b.ID, b.StoreType, stateColor(b.State).Sprint(b.State), b.TaskID,
			b.Successful, b.Failed, b.AvgExecution.Round(time.Millisecond),
			now.Sub(b.LastActivity).Round(time.Second), b.LastError)
	}
	w.Flush()
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var m botmanager.SystemMetrics
	if err := newAPIClient(cfg).do(cmd.Context(), "GET", "/api/metrics", nil, &m); err != nil {
		return err
	}

	fmt.Printf("Bots:         %d", m.TotalBots)
	for _, st := range []botmanager.State{botmanager.StateIdle, botmanager.StateRunning, botmanager.StateError, botmanager.StateStopped} {
		if n := m.BotsByState[st]; n > 0 {
			fmt.Printf(" | %d %s", n, stateColor(st).Sprint(st))
		}
	}
	fmt.Printf("\nActive tasks: %d\n", m.ActiveTasks)
	fmt.Printf("Finished:     %d (%d ok, %d failed)\n", m.TotalTasks, m.Successful, m.Failed)
	fmt.Printf("Success rate: %.2f%%\n", m.SuccessRate)
	fmt.Printf("Avg duration: %s\n", m.AvgExecution.Round(time.Millisecond))
	return nil
}
