package main

import (
	"os"

	"airsend/cmd/airsend/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
