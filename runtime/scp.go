package runtime

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/dimse"
	"github.com/aurabox/harmony/dimse/bridge"
	"github.com/aurabox/harmony/pipeline"
	"github.com/aurabox/harmony/services"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// launchSCPs starts one DIMSE SCP per dicom endpoint that declares a
// port and belongs to a pipeline with a usable network. The process-wide
// registry makes duplicate declarations no-ops.
func launchSCPs(ctx context.Context, g *errgroup.Group, cfg *config.Config, exec *pipeline.Executor) error {
	for plName, pl := range cfg.Pipelines {
		if len(pl.Networks) == 0 || len(pl.Endpoints) == 0 {
			continue
		}
		for _, epName := range pl.Endpoints {
			var ep, ok = cfg.Endpoints[epName]
			if !ok || ep.Service != "dicom" {
				continue
			}
			var port = services.OptInt(ep.Options, "port", 0)
			if port == 0 {
				continue
			}
			if err := launchSCP(ctx, g, cfg, exec, plName, epName, ep.Options, port); err != nil {
				return err
			}
		}
	}
	return nil
}

func launchSCP(ctx context.Context, g *errgroup.Group, cfg *config.Config, exec *pipeline.Executor, plName, epName string, options map[string]any, port int) error {
	var scpCfg = dimse.SCPConfig{
		LocalAET:        services.OptString(options, "local_aet", dimse.DefaultLocalAET),
		BindAddr:        services.OptString(options, "bind_addr", "0.0.0.0"),
		Port:            port,
		MaxAssociations: services.OptInt(options, "max_associations", 0),
		EnableEcho:      services.OptBool(options, "enable_echo", true),
		EnableFind:      services.OptBool(options, "enable_find", true),
		EnableMove:      services.OptBool(options, "enable_move", true),
		EnableStore:     services.OptBool(options, "enable_store", true),
		StorageDir:      filepath.Join(cfg.Storage.Path(), "dimse"),
	}

	var key = dimse.SCPKey(scpCfg.LocalAET, scpCfg.BindAddr, scpCfg.Port, epName)
	if !dimse.RegisterSCP(key) {
		log.WithField("key", key).Debug("SCP already registered, skipping")
		return nil
	}

	var provider = bridge.NewPipelineProvider(exec, plName)
	var usesDCMTK = services.OptBool(options, "persistent_store_scp", false) &&
		services.OptBool(options, "use_dcmtk_store", false)

	listener, err := net.Listen("tcp", scpCfg.Addr())
	if err != nil {
		dimse.UnregisterSCP(key)
		return fmt.Errorf("binding SCP %s: %w", key, err)
	}

	g.Go(func() error {
		defer dimse.UnregisterSCP(key)
		if usesDCMTK {
			// The external storescp owns the port while it lives; the
			// internal SCP takes over when it dies.
			listener.Close()
			if err := runStoreSCPChild(ctx, scpCfg); err != nil {
				log.WithFields(log.Fields{"key": key, "error": err}).Warn("storescp child ended, falling back to internal SCP")
			}
			if ctx.Err() != nil {
				return nil
			}
			fallback, listenErr := net.Listen("tcp", scpCfg.Addr())
			if listenErr != nil {
				return fmt.Errorf("rebinding SCP %s after storescp: %w", key, listenErr)
			}
			return dimse.NewSCP(scpCfg, provider, nil).Serve(ctx, fallback)
		}
		return dimse.NewSCP(scpCfg, provider, nil).Serve(ctx, listener)
	})

	if !usesDCMTK && !dimse.WaitReady(scpCfg.Addr()) {
		log.WithField("key", key).Warn("SCP readiness probe timed out")
	}
	log.WithFields(log.Fields{
		"key":      key,
		"pipeline": plName,
	}).Info("DIMSE SCP started")
	return nil
}
