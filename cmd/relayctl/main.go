package main

import (
	"os"

	"github.com/marketchat/relay/cmd/relayctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
