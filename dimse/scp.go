package dimse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultLocalAET names the SCP when configuration does not.
const DefaultLocalAET = "HARMONY_SCP"

// SCPConfig configures one SCP endpoint.
type SCPConfig struct {
	LocalAET        string
	BindAddr        string
	Port            int
	MaxAssociations int
	EnableEcho      bool
	EnableFind      bool
	EnableMove      bool
	EnableStore     bool
	StorageDir      string
}

func (c *SCPConfig) applyDefaults() {
	if c.LocalAET == "" {
		c.LocalAET = DefaultLocalAET
	}
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.MaxAssociations <= 0 {
		c.MaxAssociations = 10
	}
}

// Addr returns the listener address.
func (c *SCPConfig) Addr() string { return fmt.Sprintf("%s:%d", c.BindAddr, c.Port) }

// AssociationCodec frames DIMSE commands on an accepted connection. The
// DICOM Upper Layer proper is an external collaborator; the SCP consumes
// it through this seam. ReadCommand returns io.EOF when the association
// is released by the peer.
type AssociationCodec interface {
	ReadCommand(r *bufio.Reader) (*Request, error)
	WriteResponse(w io.Writer, resp *Response) error
}

// JSONLineCodec frames commands and responses as newline-delimited JSON.
// It serves in-process tests and loopback wiring where both ends are
// this gateway.
type JSONLineCodec struct{}

type jsonLineCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadCommand decodes one newline-terminated command.
func (JSONLineCodec) ReadCommand(r *bufio.Reader) (*Request, error) {
	var line, err = r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var cmd jsonLineCommand
	if err = json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("decoding command frame: %w", err)
	}

	var payload any
	if len(cmd.Payload) > 0 {
		if err = json.Unmarshal(cmd.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decoding command payload: %w", err)
		}
	}

	switch cmd.Command {
	case "C-ECHO":
		return NewEchoRequest(nil), nil
	case "C-FIND":
		return NewFindRequest(nil, payload), nil
	case "C-MOVE":
		return NewMoveRequest(nil, payload), nil
	case "C-STORE":
		return NewStoreRequest(nil, payload), nil
	}
	return nil, fmt.Errorf("unknown command %q", cmd.Command)
}

// WriteResponse encodes one response as a JSON line.
func (JSONLineCodec) WriteResponse(w io.Writer, resp *Response) error {
	var b, err = json.Marshal(map[string]any{
		"request_id": resp.RequestID.String(),
		"is_final":   resp.IsFinal,
		"payload":    resp.Payload,
	})
	if err != nil {
		return fmt.Errorf("encoding response frame: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// assocState tracks the per-association lifecycle.
type assocState int

const (
	stateIdle assocState = iota
	stateAccepted
	stateExpectingCommand
	stateDispatching
	stateEmittingStream
	stateReleased
	stateAborted
)

// SCP accepts DIMSE associations and dispatches their commands to a
// QueryProvider. Commands may also arrive in-process through the
// router's receiver half; ServeRouter consumes those.
type SCP struct {
	cfg      SCPConfig
	provider QueryProvider
	receiver *RouterReceiver
	codec    AssociationCodec

	mu     sync.RWMutex
	active int
}

// NewSCP builds an SCP over the given provider. receiver may be nil when
// the SCP serves TCP associations only.
func NewSCP(cfg SCPConfig, provider QueryProvider, receiver *RouterReceiver) *SCP {
	cfg.applyDefaults()
	if provider == nil {
		provider = &DefaultQueryProvider{StorageDir: cfg.StorageDir}
	}
	return &SCP{cfg: cfg, provider: provider, receiver: receiver, codec: JSONLineCodec{}}
}

// ActiveAssociations returns the current association count.
func (s *SCP) ActiveAssociations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *SCP) tryAcquire() bool {
	s.mu.RLock()
	var full = s.active >= s.cfg.MaxAssociations
	s.mu.RUnlock()
	if full {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.MaxAssociations {
		return false
	}
	s.active++
	activeAssociations.Inc()
	return true
}

func (s *SCP) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	activeAssociations.Dec()
}

// Serve runs the TCP accept loop until ctx is cancelled. Each accepted
// connection runs as an isolated association; connections beyond the
// association limit are dropped with a warning.
func (s *SCP) Serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.WithFields(log.Fields{
		"local_aet": s.cfg.LocalAET,
		"addr":      listener.Addr().String(),
	}).Info("DIMSE SCP listening")

	for {
		var conn, err = listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting association: %w", err)
		}

		if !s.tryAcquire() {
			log.WithFields(log.Fields{
				"local_aet": s.cfg.LocalAET,
				"remote":    conn.RemoteAddr().String(),
				"max":       s.cfg.MaxAssociations,
			}).Warn("rejecting association: limit reached")
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()
			defer conn.Close()
			s.handleAssociation(ctx, conn)
		}()
	}
}

// handleAssociation reads commands one at a time and dispatches each,
// writing every reply back on the wire.
func (s *SCP) handleAssociation(ctx context.Context, conn net.Conn) {
	var state = stateAccepted
	var reader = bufio.NewReader(conn)
	defer func() {
		log.WithFields(log.Fields{
			"remote": conn.RemoteAddr().String(),
			"state":  state,
		}).Trace("association closed")
	}()

	for {
		state = stateExpectingCommand
		var req, err = s.codec.ReadCommand(reader)
		if err == io.EOF {
			state = stateReleased
			return
		} else if err != nil {
			log.WithFields(log.Fields{
				"remote": conn.RemoteAddr().String(),
				"error":  err,
			}).Warn("aborting association on read error")
			state = stateAborted
			return
		}

		state = stateDispatching
		var writeErr error
		s.dispatch(ctx, req, func(resp *Response) error {
			if !resp.IsFinal {
				state = stateEmittingStream
			}
			writeErr = s.codec.WriteResponse(conn, resp)
			return writeErr
		})
		if writeErr != nil {
			log.WithField("error", writeErr).Warn("aborting association on write error")
			state = stateAborted
			return
		}
	}
}

// ServeRouter consumes in-process requests from the router's receiver
// half until ctx is cancelled or the router closes.
func (s *SCP) ServeRouter(ctx context.Context) error {
	if s.receiver == nil {
		return fmt.Errorf("SCP has no router receiver attached")
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req, err = s.receiver.NextRequest(ctx)
		if errors.Is(err, ErrRouterClosed) || errors.Is(err, context.Canceled) {
			return nil
		} else if err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(ctx, req, func(resp *Response) error {
				return req.Reply(ctx, s.receiver, resp)
			})
		}()
	}
}

// dispatch translates one command into provider calls and emits replies
// through the supplied function.
func (s *SCP) dispatch(ctx context.Context, req *Request, reply func(*Response) error) {
	var emit = func(resp *Response) bool {
		if err := reply(resp); err != nil {
			log.WithFields(log.Fields{
				"request_id": req.ID,
				"command":    req.Command.String(),
				"error":      err,
			}).Warn("failed to emit response")
			return false
		}
		return true
	}

	switch req.Command {
	case CommandEcho:
		if !s.cfg.EnableEcho {
			emit(ErrorResponse(req.ID, "C-ECHO is not enabled"))
			return
		}
		emit(EchoResponse(req.ID, true))

	case CommandFind:
		if !s.cfg.EnableFind {
			emit(ErrorResponse(req.ID, "C-FIND is not enabled"))
			return
		}
		var query, err = findQueryFromPayload(req.Payload)
		if err != nil {
			emit(ErrorResponse(req.ID, err.Error()))
			return
		}
		datasets, err := s.provider.Find(ctx, query)
		if err != nil {
			emit(ErrorResponse(req.ID, fmt.Sprintf("find failed: %s", err)))
			return
		}
		defer CloseAll(datasets)
		for _, ds := range datasets {
			if !emit(FindResponse(req.ID, datasetValue(ds), false)) {
				return
			}
		}
		emit(FindResponse(req.ID, nil, true))

	case CommandMove:
		if !s.cfg.EnableMove {
			emit(ErrorResponse(req.ID, "C-MOVE is not enabled"))
			return
		}
		var query, err = moveQueryFromPayload(req.Payload)
		if err != nil {
			emit(ErrorResponse(req.ID, err.Error()))
			return
		}
		datasets, err := s.provider.Locate(ctx, query.Level, query.Params)
		if err != nil {
			emit(ErrorResponse(req.ID, fmt.Sprintf("move failed: %s", err)))
			return
		}
		defer CloseAll(datasets)
		emit(MoveResponse(req.ID, nil, 0, len(datasets), 0, 0, true))

	case CommandStore:
		if !s.cfg.EnableStore {
			emit(ErrorResponse(req.ID, "C-STORE is not enabled"))
			return
		}
		var dataset = datasetFromPayload(req.Payload)
		if err := s.provider.Store(ctx, dataset); err != nil {
			emit(ErrorResponse(req.ID, fmt.Sprintf("store failed: %s", err)))
			return
		}
		emit(StoreResponse(req.ID, true))

	default:
		emit(ErrorResponse(req.ID, fmt.Sprintf("unknown command %d", req.Command)))
	}
}

func findQueryFromPayload(payload any) (FindQuery, error) {
	switch p := payload.(type) {
	case FindQuery:
		return p, nil
	case *FindQuery:
		return *p, nil
	case map[string]any:
		var query = FindQuery{Level: LevelStudy, Params: make(map[string]string)}
		if lvl, ok := p["query_level"].(string); ok {
			if parsed, err := ParseQueryLevel(lvl); err == nil {
				query.Level = parsed
			}
		}
		if max, ok := p["max_results"].(float64); ok {
			query.MaxResults = int(max)
		}
		if params, ok := p["params"].(map[string]any); ok {
			for k, v := range params {
				if s, isStr := v.(string); isStr {
					query.Params[k] = s
				}
			}
		}
		return query, nil
	}
	return FindQuery{}, fmt.Errorf("cannot understand C-FIND payload")
}

func moveQueryFromPayload(payload any) (MoveQuery, error) {
	switch p := payload.(type) {
	case MoveQuery:
		return p, nil
	case *MoveQuery:
		return *p, nil
	case map[string]any:
		var find, err = findQueryFromPayload(payload)
		if err != nil {
			return MoveQuery{}, fmt.Errorf("cannot understand C-MOVE payload")
		}
		var query = MoveQuery{Level: find.Level, Params: find.Params}
		if dest, ok := p["destination"].(string); ok {
			query.Destination = dest
		}
		return query, nil
	}
	return MoveQuery{}, fmt.Errorf("cannot understand C-MOVE payload")
}

func datasetFromPayload(payload any) *DatasetStream {
	switch p := payload.(type) {
	case *DatasetStream:
		return p
	case []byte:
		return NewMemoryDataset(p)
	case string:
		return NewMemoryDataset([]byte(p))
	default:
		return NewObjectDataset(p)
	}
}

// datasetValue renders a dataset for transport in a response payload.
func datasetValue(ds *DatasetStream) any {
	switch ds.Kind {
	case DatasetObject:
		return ds.Parsed
	case DatasetMemory:
		var parsed any
		if err := json.Unmarshal(ds.Data, &parsed); err == nil {
			return parsed
		}
		return nil
	case DatasetFile:
		return map[string]any{"path": ds.Path}
	}
	return nil
}

// WaitReady polls a TCP connect against addr until it succeeds, for up
// to 40 attempts 25ms apart. It provides a synchronous started guarantee
// to callers that need one.
func WaitReady(addr string) bool {
	for i := 0; i < 40; i++ {
		var conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}
