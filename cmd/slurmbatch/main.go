package main

import (
	"os"

	"github.com/G-Research/slurmbatch/cmd/slurmbatch/cmd"
	"github.com/G-Research/slurmbatch/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
