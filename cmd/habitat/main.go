package main

import (
	"os"

	"github.com/andywolf/habitat/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
