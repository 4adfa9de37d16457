package dimse

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultSCUAET names the originator when configuration does not.
const DefaultSCUAET = "HARMONY_SCU"

// SCUConfig carries the global defaults a node may override.
type SCUConfig struct {
	CallingAET     string
	ConnectTimeout time.Duration
	MaxPDU         int
}

func (c *SCUConfig) applyDefaults() {
	if c.CallingAET == "" {
		c.CallingAET = DefaultSCUAET
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxPDU <= 0 {
		c.MaxPDU = 16384
	}
}

// SCU originates DIMSE commands toward a remote node. Transport is the
// router contract: commands are handed to the sender half and replies
// stream back, so the same SCU serves loopback wiring and an external
// Upper Layer implementation alike.
type SCU struct {
	cfg    SCUConfig
	sender *RouterSender
}

// NewSCU builds an SCU over the router's sender half.
func NewSCU(cfg SCUConfig, sender *RouterSender) *SCU {
	cfg.applyDefaults()
	return &SCU{cfg: cfg, sender: sender}
}

// effectiveTimeout resolves the node's connect timeout against the
// global default.
func (s *SCU) effectiveTimeout(node *RemoteNode) time.Duration {
	if node != nil && node.ConnectTimeout > 0 {
		return node.ConnectTimeout
	}
	return s.cfg.ConnectTimeout
}

// EffectiveMaxPDU resolves the node's max PDU against the global
// default.
func (s *SCU) EffectiveMaxPDU(node *RemoteNode) int {
	if node != nil && node.MaxPDU > 0 {
		return node.MaxPDU
	}
	return s.cfg.MaxPDU
}

// Echo sends C-ECHO and reports whether the peer answered success.
func (s *SCU) Echo(ctx context.Context, node *RemoteNode) error {
	if err := node.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.effectiveTimeout(node))
	defer cancel()

	var resp, err = s.sender.SendRequest(ctx, NewEchoRequest(node))
	if err != nil {
		scuOperations.WithLabelValues("C-ECHO", "error").Inc()
		return fmt.Errorf("C-ECHO to %s: %w", node.AETitle, err)
	}
	if resp.Payload.Kind == PayloadError {
		scuOperations.WithLabelValues("C-ECHO", "error").Inc()
		return fmt.Errorf("C-ECHO to %s failed: %s", node.AETitle, resp.Payload.Error)
	}
	if !resp.Payload.Success {
		scuOperations.WithLabelValues("C-ECHO", "failure").Inc()
		return fmt.Errorf("C-ECHO to %s was refused", node.AETitle)
	}
	scuOperations.WithLabelValues("C-ECHO", "success").Inc()
	return nil
}

// Find sends C-FIND and returns the streamed reply sequence.
func (s *SCU) Find(ctx context.Context, node *RemoteNode, query FindQuery) (*ResponseStream, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	var stream, err = s.sender.SendStreamingRequest(ctx, NewFindRequest(node, query))
	if err != nil {
		scuOperations.WithLabelValues("C-FIND", "error").Inc()
		return nil, fmt.Errorf("C-FIND to %s: %w", node.AETitle, err)
	}
	scuOperations.WithLabelValues("C-FIND", "success").Inc()
	return stream, nil
}

// Move sends C-MOVE and returns the streamed reply sequence.
func (s *SCU) Move(ctx context.Context, node *RemoteNode, query MoveQuery) (*ResponseStream, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	var stream, err = s.sender.SendStreamingRequest(ctx, NewMoveRequest(node, query))
	if err != nil {
		scuOperations.WithLabelValues("C-MOVE", "error").Inc()
		return nil, fmt.Errorf("C-MOVE to %s: %w", node.AETitle, err)
	}
	scuOperations.WithLabelValues("C-MOVE", "success").Inc()
	return stream, nil
}

// Store sends C-STORE with one dataset.
func (s *SCU) Store(ctx context.Context, node *RemoteNode, dataset *DatasetStream) error {
	if err := node.Validate(); err != nil {
		return err
	}
	defer dataset.Close()

	var resp, err = s.sender.SendRequest(ctx, NewStoreRequest(node, dataset))
	if err != nil {
		scuOperations.WithLabelValues("C-STORE", "error").Inc()
		return fmt.Errorf("C-STORE to %s: %w", node.AETitle, err)
	}
	if resp.Payload.Kind == PayloadError {
		scuOperations.WithLabelValues("C-STORE", "error").Inc()
		return fmt.Errorf("C-STORE to %s failed: %s", node.AETitle, resp.Payload.Error)
	}
	scuOperations.WithLabelValues("C-STORE", "success").Inc()
	return nil
}

// TestConnection probes the node with exponential backoff: after a
// failed attempt it sleeps 1<<retries seconds before the next one.
// Validation errors are not recoverable and abort immediately.
func (s *SCU) TestConnection(ctx context.Context, node *RemoteNode, maxRetries int) error {
	if err := node.Validate(); err != nil {
		return err
	}

	var lastErr error
	for retries := 0; retries <= maxRetries; retries++ {
		if retries > 0 {
			var backoff = time.Duration(1<<uint(retries)) * time.Second
			log.WithFields(log.Fields{
				"node":    node.AETitle,
				"retry":   retries,
				"backoff": backoff.String(),
			}).Debug("retrying connection test")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var conn, err = net.DialTimeout("tcp", node.Addr(), s.effectiveTimeout(node))
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("connection test to %s (%s) failed: %w", node.AETitle, node.Addr(), lastErr)
}
