package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/aurabox/harmony/dimse"
	log "github.com/sirupsen/logrus"
)

// runStoreSCPChild spawns DCMTK's storescp as the persistent Store SCP,
// capturing its output into the log. It returns when the child dies or
// ctx is cancelled; the caller falls back to the internal SCP.
func runStoreSCPChild(ctx context.Context, cfg dimse.SCPConfig) error {
	var cmd = exec.CommandContext(ctx, "storescp",
		"-aet", cfg.LocalAET,
		"-od", cfg.StorageDir,
		strconv.Itoa(cfg.Port),
	)
	var logger = log.WithFields(log.Fields{"child": "storescp", "port": cfg.Port})
	cmd.Stdout = logger.WriterLevel(log.DebugLevel)
	cmd.Stderr = logger.WriterLevel(log.WarnLevel)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning storescp: %w", err)
	}
	logger.WithField("pid", cmd.Process.Pid).Info("storescp child started")

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("storescp exited: %w", err)
	}
	return nil
}
