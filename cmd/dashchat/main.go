package main

import (
	"fmt"
	"os"

	"github.com/go-go-golems/dashchat/cmd/dashchat/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dashchat: %v\n", err)
		os.Exit(1)
	}
}
