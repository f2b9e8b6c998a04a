// Command simtop is a terminal dashboard for a running marketsim
// instance: it polls the control HTTP surface and renders a live
// price sparkline, agent roster, and subscriber list.
package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rickgao/marketsim/internal/control"
)

var (
	addr            string
	refreshInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "simtop",
	Short: "Terminal dashboard for a running marketsim instance",
	RunE:  runSimtop,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:18080", "marketsim control surface base URL")
	rootCmd.Flags().DurationVar(&refreshInterval, "refresh", 500*time.Millisecond, "poll interval")
}

func runSimtop(cmd *cobra.Command, args []string) error {
	client := control.NewClient(addr, control.WithTimeout(5*time.Second))
	m := newModel(client, refreshInterval)

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
