package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aurabox/harmony/dimse"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/protocol"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// The DIMSE transport slot. The orchestrator wires the router's sender
// half in before serving; backends using DIMSE fail cleanly until then.
var (
	dimseMu     sync.Mutex
	dimseSender *dimse.RouterSender
)

// SetDIMSESender installs the process-wide DIMSE transport.
func SetDIMSESender(s *dimse.RouterSender) {
	dimseMu.Lock()
	defer dimseMu.Unlock()
	dimseSender = s
}

func currentDIMSESender() *dimse.RouterSender {
	dimseMu.Lock()
	defer dimseMu.Unlock()
	return dimseSender
}

// DicomService speaks DIMSE. As an endpoint it lifts DIMSE protocol
// contexts into envelopes; as a backend it executes the envelope's
// dimse_op against the configured remote node through the SCU.
type DicomService struct {
	Base
	storageRoot string
}

// NewDicomService builds the dicom service.
func NewDicomService() *DicomService {
	return &DicomService{Base: Base{ServiceName: "dicom"}}
}

// SetStorageRoot points the service at the storage root used for C-MOVE
// landing directories.
func (s *DicomService) SetStorageRoot(root string) { s.storageRoot = root }

func (s *DicomService) Validate(options map[string]any) error {
	if _, ok := options["remote_host"]; ok {
		var node = remoteFromOptions(options)
		if err := node.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BuildProtocolEnvelope lifts either protocol: HTTP contexts take the
// standard HTTP shape, DIMSE contexts carry the operation name as the
// method and a synthetic dicom:// URI.
func (s *DicomService) BuildProtocolEnvelope(pctx *protocol.Ctx, options map[string]any) (*envelope.Request, error) {
	if pctx.Protocol != protocol.DIMSE {
		return HTTPEnvelope(pctx, options)
	}

	var op = pctx.MetaValue("dimse_op")
	if op == "" {
		op = "find"
	}
	var details = envelope.NewRequestDetails()
	details.Method = dimseMethodName(op)
	details.URI = "dicom://scp/" + op
	details.Metadata["protocol"] = string(protocol.DIMSE)
	details.Metadata["dimse_op"] = op
	for k, v := range pctx.Meta {
		if k != "dimse_op" {
			details.Metadata[k] = v
		}
	}
	return envelope.NewRequest(details, pctx.Payload), nil
}

// BackendOutgoingRequest executes the envelope's DIMSE operation against
// the configured remote node.
func (s *DicomService) BackendOutgoingRequest(ctx context.Context, req *envelope.Request, options map[string]any) (*envelope.Response, error) {
	var sender = currentDIMSESender()
	if sender == nil {
		return nil, fmt.Errorf("no DIMSE transport configured")
	}

	var node = remoteFromOptions(options)
	var scu = dimse.NewSCU(dimse.SCUConfig{
		CallingAET: OptString(options, "local_aet", ""),
	}, sender)

	var op = req.Meta("dimse_op")
	switch op {
	case "echo":
		if err := scu.Echo(ctx, node); err != nil {
			return nil, err
		}
		return envelope.FromBackend(req.RequestDetails, 200, nil, nil,
			map[string]any{"operation": "echo", "success": true}), nil

	case "find", "":
		return s.backendFind(ctx, scu, node, req)

	case "get", "move":
		return s.backendMove(ctx, scu, node, req, op)
	}
	return nil, fmt.Errorf("unsupported dimse_op %q", op)
}

func (s *DicomService) backendFind(ctx context.Context, scu *dimse.SCU, node *dimse.RemoteNode, req *envelope.Request) (*envelope.Response, error) {
	var query, err = queryFromEnvelope(req)
	if err != nil {
		return nil, err
	}

	stream, err := scu.Find(ctx, node, query)
	if err != nil {
		return nil, err
	}
	responses, err := stream.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting C-FIND results: %w", err)
	}

	var matches = make([]any, 0, len(responses))
	for _, resp := range responses {
		if resp.Payload.Kind == dimse.PayloadError {
			return nil, fmt.Errorf("C-FIND failed: %s", resp.Payload.Error)
		}
		if resp.Payload.Dataset != nil {
			matches = append(matches, resp.Payload.Dataset)
		}
	}
	return envelope.FromBackend(req.RequestDetails, 200, nil, nil, map[string]any{
		"operation": "find",
		"success":   true,
		"matches":   matches,
	}), nil
}

func (s *DicomService) backendMove(ctx context.Context, scu *dimse.SCU, node *dimse.RemoteNode, req *envelope.Request, op string) (*envelope.Response, error) {
	var query, err = queryFromEnvelope(req)
	if err != nil {
		return nil, err
	}

	var root = s.storageRoot
	if root == "" {
		root = dimse.FallbackStorageDir
	}
	var dir = filepath.Join(root, uuid.NewString())
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating move directory %s: %w", dir, err)
	}
	if err = dimse.ClaimStoreDir(dir); err != nil {
		return nil, err
	}
	defer dimse.ReleaseStoreDir()

	var move = dimse.MoveQuery{
		Level:       query.Level,
		Params:      query.Params,
		Destination: moveDestination(req),
	}

	stream, err := scu.Move(ctx, node, move)
	if err != nil {
		return nil, err
	}
	responses, err := stream.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting C-MOVE results: %w", err)
	}
	for _, resp := range responses {
		if resp.Payload.Kind == dimse.PayloadError {
			return nil, fmt.Errorf("C-MOVE failed: %s", resp.Payload.Error)
		}
	}

	instances, err := scanMoveDirectory(dir)
	if err != nil {
		log.WithFields(log.Fields{"dir": dir, "error": err}).Warn("scanning move directory")
	}
	return envelope.FromBackend(req.RequestDetails, 200, nil, nil, map[string]any{
		"operation":   op,
		"success":     true,
		"folder_path": dir,
		"instances":   instances,
	}), nil
}

func moveDestination(req *envelope.Request) string {
	if dest := req.Meta("move_destination"); dest != "" {
		return dest
	}
	return dimse.DefaultSCUAET
}

// scanMoveDirectory lists the datasets that landed during a move as
// instance descriptors.
func scanMoveDirectory(dir string) ([]any, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var instances []any
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		instances = append(instances, map[string]any{
			"path": filepath.Join(dir, entry.Name()),
		})
	}
	return instances, nil
}

// queryFromEnvelope reads the find/move query wrapper from the
// envelope's normalized value or raw payload.
func queryFromEnvelope(req *envelope.Request) (dimse.FindQuery, error) {
	var wrapper = req.NormalizedData
	if wrapper == nil && len(req.OriginalData) > 0 {
		var parsed any
		if err := json.Unmarshal(req.OriginalData, &parsed); err == nil {
			wrapper = parsed
		}
	}

	var query = dimse.FindQuery{Level: dimse.LevelStudy, Params: make(map[string]string)}
	var m, ok = wrapper.(map[string]any)
	if !ok {
		return query, nil
	}
	if lvl, isStr := m["query_level"].(string); isStr {
		if parsed, err := dimse.ParseQueryLevel(lvl); err == nil {
			query.Level = parsed
		}
	}
	if max, isNum := m["max_results"].(float64); isNum {
		query.MaxResults = int(max)
	}
	if params, isMap := m["params"].(map[string]any); isMap {
		for k, v := range params {
			if s, isStr := v.(string); isStr {
				query.Params[k] = s
			}
		}
	}
	return query, nil
}

func remoteFromOptions(options map[string]any) *dimse.RemoteNode {
	return &dimse.RemoteNode{
		AETitle:        OptString(options, "remote_aet", "ANY-SCP"),
		Host:           OptString(options, "remote_host", "127.0.0.1"),
		Port:           OptInt(options, "remote_port", 104),
		ConnectTimeout: time.Duration(OptInt(options, "connect_timeout_seconds", 0)) * time.Second,
		MaxPDU:         OptInt(options, "max_pdu", 0),
	}
}

func dimseMethodName(op string) string {
	switch op {
	case "echo":
		return "C-ECHO"
	case "find":
		return "C-FIND"
	case "move", "get":
		return "C-MOVE"
	case "store":
		return "C-STORE"
	}
	return "C-FIND"
}
