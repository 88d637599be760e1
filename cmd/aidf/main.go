package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rubenmavarezb/aidf-sub001/cmd/commands"
)

func main() {
	cmd := commands.NewRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
