// Package dimse implements the gateway's DIMSE sub-runtime: the typed
// request/response currency, an in-memory router with split sender and
// receiver halves, the SCP acceptor with per-association dispatch, the
// SCU originator, and the HTTP-to-DICOM status mapping.
package dimse

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// QueryLevel is the DICOM query/retrieve level.
type QueryLevel int

const (
	LevelPatient QueryLevel = iota
	LevelStudy
	LevelSeries
	LevelImage
)

// ParseQueryLevel parses the DICOM string form (case-insensitive).
func ParseQueryLevel(s string) (QueryLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PATIENT":
		return LevelPatient, nil
	case "STUDY":
		return LevelStudy, nil
	case "SERIES":
		return LevelSeries, nil
	case "IMAGE":
		return LevelImage, nil
	}
	return 0, fmt.Errorf("unknown query level %q", s)
}

func (l QueryLevel) String() string {
	switch l {
	case LevelPatient:
		return "PATIENT"
	case LevelStudy:
		return "STUDY"
	case LevelSeries:
		return "SERIES"
	case LevelImage:
		return "IMAGE"
	}
	return "STUDY"
}

// MovePriority is the C-MOVE priority field.
type MovePriority int

const (
	PriorityLow MovePriority = iota
	PriorityMedium
	PriorityHigh
)

func (p MovePriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	}
	return "MEDIUM"
}

// FindQuery is a C-FIND request: a query level, identifier tag values,
// and an optional result cap (0 means unbounded).
type FindQuery struct {
	Level      QueryLevel
	Params     map[string]string
	MaxResults int
}

// MoveQuery is a C-MOVE request, adding the destination AE title and
// priority to a find-shaped identifier.
type MoveQuery struct {
	Level       QueryLevel
	Params      map[string]string
	Destination string
	Priority    MovePriority
}

// RemoteNode describes a DICOM peer.
type RemoteNode struct {
	AETitle        string `json:"ae_title"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTLS         bool   `json:"use_tls,omitempty"`
	ConnectTimeout time.Duration
	MaxPDU         int
}

// Validate checks the node is addressable.
func (n *RemoteNode) Validate() error {
	if strings.TrimSpace(n.AETitle) == "" {
		return fmt.Errorf("remote node has empty AE title")
	}
	if strings.TrimSpace(n.Host) == "" {
		return fmt.Errorf("remote node %s has empty host", n.AETitle)
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("remote node %s has invalid port %d", n.AETitle, n.Port)
	}
	return nil
}

// Addr returns the node's host:port form.
func (n *RemoteNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// DatasetKind discriminates the storage of a DatasetStream.
type DatasetKind int

const (
	DatasetMemory DatasetKind = iota
	DatasetFile
	DatasetObject
)

// DatasetStream is one result dataset flowing out of a find, locate, or
// store operation. A file-backed stream flagged DeleteOnClose removes
// its file when closed; Close runs on all exit paths and is idempotent.
type DatasetStream struct {
	Kind     DatasetKind
	Data     []byte
	Path     string
	Parsed   any
	Metadata map[string]string

	DeleteOnClose bool
	closeOnce     sync.Once
}

func newDatasetMeta() map[string]string {
	return map[string]string{
		"id":        uuid.NewString(),
		"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
	}
}

// NewMemoryDataset wraps in-memory dataset bytes.
func NewMemoryDataset(data []byte) *DatasetStream {
	return &DatasetStream{Kind: DatasetMemory, Data: data, Metadata: newDatasetMeta()}
}

// NewFileDataset wraps a dataset stored at path. When deleteOnClose is
// set the file is removed by Close.
func NewFileDataset(path string, deleteOnClose bool) *DatasetStream {
	return &DatasetStream{Kind: DatasetFile, Path: path, DeleteOnClose: deleteOnClose, Metadata: newDatasetMeta()}
}

// NewObjectDataset wraps an already-parsed dataset value.
func NewObjectDataset(parsed any) *DatasetStream {
	return &DatasetStream{Kind: DatasetObject, Parsed: parsed, Metadata: newDatasetMeta()}
}

// Close releases the stream. For file-backed streams with DeleteOnClose
// set, the file is deleted; failures are logged at warn and not
// returned, so cleanup on error paths never masks the original error.
func (d *DatasetStream) Close() {
	d.closeOnce.Do(func() {
		if d.Kind == DatasetFile && d.DeleteOnClose && d.Path != "" {
			if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
				log.WithFields(log.Fields{
					"path":  d.Path,
					"error": err,
				}).Warn("failed to delete dataset file on close")
			}
		}
	})
}

// CloseAll closes every stream in the slice.
func CloseAll(streams []*DatasetStream) {
	for _, s := range streams {
		s.Close()
	}
}
