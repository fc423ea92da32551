package main

import (
	"os"

	"github.com/alanmeadows/maestro/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
