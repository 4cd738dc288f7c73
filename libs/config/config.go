package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

var ErrConfigFileMissing = errors.New("config file does not exist")

// Load fills cfg from a YAML file when path is non-empty, and from the environment
// otherwise. Environment variables always override file values; env-default tags
// supply anything left unset.
func Load(path string, cfg any) error {
	if strings.TrimSpace(path) == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("read env config: %w", err)
		}
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrConfigFileMissing, path)
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// PathFromArgs resolves the config file path from the -config flag or CONFIG_PATH.
func PathFromArgs(args []string) string {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	if *path != "" {
		return *path
	}
	return os.Getenv("CONFIG_PATH")
}

func RequiredString(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func Port(name, v string) error {
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%s must be a valid TCP port (got %q)", name, v)
	}
	return nil
}

// Usage renders the env var documentation for cfg, for -help output.
func Usage(cfg any) string {
	desc, err := cleanenv.GetDescription(cfg, nil)
	if err != nil {
		return err.Error()
	}
	return desc
}
