package main

import (
	"os"

	"cbt-backup/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
