package main

import (
	"fmt"
	"os"

	"github.com/odpf/kleidi/cmd"
)

var errRequestFail = "unable to complete request successfully"

func main() {
	command := cmd.New()
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errRequestFail)
		os.Exit(1)
	}
}
