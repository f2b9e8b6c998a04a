package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/marketsim/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the marketsim version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.String())
		return nil
	},
}
