package main

import (
	"os"

	"github.com/MXWXZ/plugd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
