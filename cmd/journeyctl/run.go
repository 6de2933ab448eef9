package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/keystore"
	"github.com/wyysfzj/journey-runtime/internal/logging"
	"github.com/wyysfzj/journey-runtime/internal/manifest"
	"github.com/wyysfzj/journey-runtime/internal/metrics"
	"github.com/wyysfzj/journey-runtime/internal/runtime"
	"github.com/wyysfzj/journey-runtime/internal/session"
	"github.com/wyysfzj/journey-runtime/internal/webhost"
)

func runJourney(ctx context.Context, args []string, log *logging.Logger) error {
	fs := newFlagSet("run")
	manifestURL := fs.String("manifest", "", "manifest URL (file:// or https://)")
	journeyID := fs.String("journey", "journey", "journey id")
	contextToken := fs.String("token", "", "context token")
	resumeToken := fs.String("resume", "", "resume token")
	addr := fs.String("addr", "127.0.0.1:0", "dev host listen address")
	auto := fs.Bool("auto", false, "auto-drive the journey (demoAutoComplete)")
	insecure := fs.Bool("insecure", false, "skip signature verification")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := baseConfig(*manifestURL, *insecure)
	if err != nil {
		return err
	}
	if *auto {
		cfg.FeatureFlags.DemoAutoComplete = true
	}

	signer, err := jws.NewEphemeralSigner("journeyctl-dev")
	if err != nil {
		return err
	}

	var host webhost.Host
	if cfg.FeatureFlags.DemoAutoComplete {
		driver := newAutoHost(log)
		// Pre-load the manifest so the driver knows each step's events.
		loader := manifest.NewLoader(cfg, keystore.New(), nil, log)
		if m, err := loader.Load(ctx, *journeyID, *contextToken); err == nil {
			driver.SetSteps(m.Steps)
		}
		host = driver
	} else {
		dev := webhost.NewDevHost(*addr, runtime.DefaultBridgeName, log)
		host = dev
		defer func() {
			if dev.URL() != "" {
				log.Infof("dev harness was served at %s", dev.URL())
			}
		}()
	}

	store, err := commandStore()
	if err != nil {
		log.WithError(err).Warn("file store unavailable; using memory store")
		store = session.NewMemStore()
	}

	rt := runtime.New(cfg, runtime.Deps{
		Host:      host,
		Keys:      keystore.New(),
		Store:     store,
		Signer:    signer,
		Logger:    log,
		Collector: metrics.NewCollector("journeyctl"),
		Sink:      logSink{log: log},
	})

	res, err := rt.StartJourney(ctx, *journeyID, *contextToken, *resumeToken)
	if err != nil {
		return err
	}

	switch res.State {
	case runtime.ResultCompleted, runtime.ResultPending:
		fmt.Printf("journey %s: %s %s\n", *journeyID, res.State, string(res.Payload))
		return nil
	case runtime.ResultCancelled:
		fmt.Printf("journey %s: cancelled\n", *journeyID)
		return nil
	default:
		return fmt.Errorf("journey failed: %s %s (recoverable=%t)", res.Code, res.Message, res.Recoverable)
	}
}

// commandStore puts the snapshot slot under the user cache directory.
func commandStore() (session.Store, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	secret := []byte(os.Getenv("JOURNEY_STORE_SECRET"))
	if len(secret) == 0 {
		secret = []byte("journeyctl-dev-secret")
	}
	return session.NewFileStore(filepath.Join(cacheDir, "journeyctl"), secret)
}

// logSink prints telemetry events through the command logger.
type logSink struct {
	log *logging.Logger
}

func (s logSink) Emit(name string, attrs map[string]string) {
	s.log.WithField("attrs", attrs).Infof("event %s", name)
}
