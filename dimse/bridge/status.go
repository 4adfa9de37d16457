package bridge

import (
	"strings"

	"github.com/aurabox/harmony/dimse"
	"github.com/aurabox/harmony/pipeline"
)

// StatusForError maps a pipeline error to the DIMSE status reported to
// the peer. The message heuristics mirror the HTTP mapping: not-found
// answers no-such-object, auth failures not-authorized, timeouts differ
// by the failing stage.
func StatusForError(err error) uint16 {
	if err == nil {
		return dimse.StatusSuccess
	}
	var msg = strings.ToLower(err.Error())
	var kind = pipeline.KindOf(err)

	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return dimse.StatusNoSuchObjectInstance
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return dimse.StatusNotAuthorized
	case strings.Contains(msg, "timeout"):
		if kind == pipeline.KindBackend {
			return dimse.StatusUnableToProcess
		}
		return dimse.StatusTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return dimse.StatusUnableToProcess
	}

	switch kind {
	case pipeline.KindBackend:
		return dimse.StatusUnableToProcess
	case pipeline.KindConfig:
		return dimse.StatusProcessingFailure
	case pipeline.KindMiddleware:
		return dimse.StatusProcessingFailure
	}
	return dimse.StatusProcessingFailure
}
