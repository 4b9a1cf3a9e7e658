package main

import (
	"os"

	"github.com/omochice/ix-interface/cmd/ix-interface/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
