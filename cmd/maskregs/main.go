package main

import (
	"os"

	"github.com/maskregs/maskregs/cmd/maskregs/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
