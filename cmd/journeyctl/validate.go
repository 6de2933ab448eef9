package main

import (
	"context"
	"fmt"

	"github.com/wyysfzj/journey-runtime/internal/keystore"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/manifest"
	"github.com/wyysfzj/journey-runtime/internal/openapi"
)

func runValidate(ctx context.Context, args []string, log *logging.Logger) error {
	fs := newFlagSet("validate")
	manifestURL := fs.String("manifest", "", "manifest URL (file:// or https://)")
	journeyID := fs.String("journey", "journey", "journey id for URL resolution")
	contextToken := fs.String("token", "", "context token for remote fetches")
	keyPEM := fs.String("verify-key", "", "PEM public key for signature verification")
	kid := fs.String("kid", "", "key id the verify key is registered under")
	insecure := fs.Bool("insecure", false, "skip signature verification")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := baseConfig(*manifestURL, *insecure)
	if err != nil {
		return err
	}

	keys := keystore.New()
	if *keyPEM != "" {
		pemBytes, err := readInput(*keyPEM)
		if err != nil {
			return err
		}
		if err := keys.AddPEM(*kid, pemBytes); err != nil {
			return err
		}
	}

	loader := manifest.NewLoader(cfg, keys, nil, log)
	m, err := loader.Load(ctx, *journeyID, *contextToken)
	if err != nil {
		return err
	}

	bundle, err := loader.FetchBundle(ctx, m, *contextToken)
	if err != nil {
		return err
	}
	resolver, err := openapi.ParseBundle(bundle)
	if err != nil {
		return err
	}
	if err := resolver.ValidateOperationIDs(m); err != nil {
		return err
	}

	fmt.Printf("manifest ok: journey %q, %d steps, start %q, server %q\n",
		m.JourneyID, len(m.Steps), m.StartStep, resolver.ServerURL())
	return nil
}
