package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/drivergate/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := fs.String("kind", "server", "config kind: server|capabilities")
	output := fs.StringP("output", "o", "", "output path for config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.StringP("input", "i", "", "config path for validation (defaults to per-kind path)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	defaultPath, err := defaultPathFor(*kind)
	if err != nil {
		return err
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		switch *kind {
		case "server":
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			for _, warning := range cfg.Warnings {
				fmt.Printf("warning: %s\n", warning)
			}
		case "capabilities":
			if _, err := config.LoadCapabilities(path); err != nil {
				return err
			}
		}
		fmt.Printf("validated %s config at %s\n", *kind, path)
		return nil
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Printf("wrote %s config template to %s\n", *kind, target)
	return nil
}

func defaultPathFor(kind string) (string, error) {
	switch kind {
	case "server":
		return "cmd/gatectl/config.toml", nil
	case "capabilities":
		return "cmd/gatectl/capabilities.jsonc", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
