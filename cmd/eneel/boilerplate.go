package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LogConfig mirrors Gazette mainboilerplate's own LogConfig, reduced to the
// two knobs this CLI actually exposes.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level: debug, info, warn, error"`
	Format string `long:"format" env:"FORMAT" default:"text" description:"Logging format: text, json"`
}

// InitLog configures the global logrus logger from cfg, the local
// replacement for mbp.InitLog (see DESIGN.md: importing all of
// go.gazette.dev/core/mainboilerplate would drag in the Gazette broker
// stack this spec has no use for).
func InitLog(cfg LogConfig) {
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// Must exits the process with the given message if err is non-nil, the
// local replacement for mbp.Must.
func Must(err error, message string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		os.Exit(1)
	}
}
