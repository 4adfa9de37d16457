// Package runtime is the orchestrator: it initializes the registries
// and executor from configuration, wires the DIMSE transport, and
// supervises one adapter task per network plus one SCP per DIMSE
// endpoint under a single cancellation context.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/dimse"
	"github.com/aurabox/harmony/jmix"
	"github.com/aurabox/harmony/middleware"
	"github.com/aurabox/harmony/network"
	"github.com/aurabox/harmony/pipeline"
	"github.com/aurabox/harmony/services"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run starts the gateway and blocks until ctx is cancelled and every
// adapter has drained. Configuration problems surface before any
// listener binds.
func Run(ctx context.Context, cfg *config.Config) error {
	applyLogLevel(cfg.Proxy.LogLevel)

	var svcReg, err = services.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("initializing service registry: %w", err)
	}
	if err = cfg.Validate(svcReg.Validate); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}
	var mwReg = middleware.NewRegistry(cfg)
	exec, err := pipeline.NewExecutor(cfg, svcReg, mwReg)
	if err != nil {
		return fmt.Errorf("building pipeline executor: %w", err)
	}

	if err = initStorage(cfg); err != nil {
		return err
	}
	wireDicomStorage(svcReg, cfg)

	var g, groupCtx = errgroup.WithContext(ctx)

	// The outbound DIMSE transport. Its receiver half stands in for the
	// Upper Layer client; a stub SCP serves it so SCU operations made by
	// the dicom backend complete in-process.
	var router = dimse.NewInMemoryRouter(0)
	var sender, receiver = router.Split()
	services.SetDIMSESender(sender)
	var stub = dimse.NewSCP(dimse.SCPConfig{
		EnableEcho: true, EnableFind: true, EnableMove: true, EnableStore: true,
		StorageDir: filepath.Join(cfg.Storage.Path(), "dimse"),
	}, nil, receiver)
	g.Go(func() error { return stub.ServeRouter(groupCtx) })
	defer router.Close()

	for name := range cfg.Network {
		var nwName, nw = name, cfg.Network[name]
		adapter, adapterErr := network.NewAdapter(nwName, nw.HTTP, exec)
		if adapterErr != nil {
			return adapterErr
		}
		g.Go(func() error { return adapter.Serve(groupCtx) })
	}

	if err = launchSCPs(groupCtx, g, cfg, exec); err != nil {
		return err
	}

	log.WithField("proxy", cfg.Proxy.ID).Info("gateway started")
	return g.Wait()
}

// wireDicomStorage points the dicom backend's C-MOVE landing directories
// at the configured storage root.
func wireDicomStorage(svcReg *services.Registry, cfg *config.Config) {
	var svc, ok = svcReg.Get("dicom")
	if !ok {
		return
	}
	if dicomSvc, isDicom := svc.(*services.DicomService); isDicom {
		dicomSvc.SetStorageRoot(filepath.Join(cfg.Storage.Path(), "dimse"))
	}
}

func initStorage(cfg *config.Config) error {
	var root = cfg.Storage.Path()
	for _, dir := range []string{root, filepath.Join(root, "dimse"), jmix.StoreRoot(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	return nil
}

func applyLogLevel(level string) {
	var parsed, err = log.ParseLevel(level)
	if err != nil {
		parsed = log.ErrorLevel
	}
	log.SetLevel(parsed)
}
