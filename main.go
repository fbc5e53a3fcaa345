package main

import (
	"os"

	"github.com/nhirsama/Goster-Gateway/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
