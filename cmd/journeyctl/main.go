// Command journeyctl validates, signs and runs journey manifests against
// the runtime, for development and CI use.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wyysfzj/journey-runtime/internal/config"
	"github.com/wyysfzj/journey-runtime/internal/logging"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logging.NewDefault("journeyctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(ctx, os.Args[2:], log)
	case "sign":
		err = runSign(os.Args[2:], log)
	case "run":
		err = runJourney(ctx, os.Args[2:], log)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.WithError(err).Error(os.Args[1] + " failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: journeyctl <command> [flags]

commands:
  validate   load, verify and validate a manifest and its OpenAPI bundle
  sign       sign a manifest with an ES256 development key
  run        run a journey against the dev web host (headless with -auto)`)
}

// baseConfig builds the runtime configuration from the environment with
// flag overrides applied on top.
func baseConfig(manifestURL string, insecure bool) (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if manifestURL != "" {
		cfg.RemoteConfigURL = manifestURL
	}
	if insecure {
		cfg.FeatureFlags.DisableManifestSignatureVerification = true
	}
	return cfg, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: journeyctl %s [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}
