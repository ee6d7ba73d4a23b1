package main

import (
	"os"

	"github.com/helvethink/tag-deployer/internal/cli"
)

var version = "devel"

func main() {
	cli.Run(version, os.Args)
}
