package main

import (
	"flag"
	"os"

	"github.com/driftline/driftline/internal/platform/config"
	"github.com/driftline/driftline/internal/tools/fedsecret"
)

func main() {
	cfg, err := fedsecret.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := fedsecret.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate secret: %v", err)
	}
}
