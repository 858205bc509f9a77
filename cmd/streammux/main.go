package main

import (
	"os"

	"github.com/jmylchreest/streammux/cmd/streammux/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}
