package main

import (
	"os"

	"xpilot/cmd/xpilot/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
