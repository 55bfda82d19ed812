package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "marketbook",
		Short:        "Off-chain order book for the compute marketplace",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
