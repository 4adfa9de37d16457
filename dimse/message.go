package dimse

import (
	"github.com/google/uuid"
)

// Command is the DIMSE verb a request carries.
type Command int

const (
	CommandEcho Command = iota
	CommandFind
	CommandMove
	CommandStore
)

func (c Command) String() string {
	switch c {
	case CommandEcho:
		return "C-ECHO"
	case CommandFind:
		return "C-FIND"
	case CommandMove:
		return "C-MOVE"
	case CommandStore:
		return "C-STORE"
	}
	return "UNKNOWN"
}

// PayloadKind discriminates response payloads.
type PayloadKind int

const (
	PayloadEcho PayloadKind = iota
	PayloadFind
	PayloadMove
	PayloadStore
	PayloadError
)

// ResponsePayload is the union of DIMSE response bodies. Dataset carries
// the DICOM JSON identifier of a pending C-FIND or C-MOVE response; the
// counter fields are meaningful for C-MOVE only.
type ResponsePayload struct {
	Kind    PayloadKind
	Success bool
	Dataset any

	Remaining int
	Completed int
	Failed    int
	Warning   int

	Error string
}

// Request is one DIMSE command in flight between an originator and the
// SCP. Reply channels are installed by the router sender; the SCP routes
// each reply through the single-reply channel, the streaming channel, or
// the router's response path, in that order of preference.
type Request struct {
	ID      uuid.UUID
	Command Command
	Remote  *RemoteNode
	Payload any

	respCh   chan *Response
	streamCh chan *Response
}

// Response is one reply to a Request. IsFinal is the only signal that
// terminates a streaming reply sequence.
type Response struct {
	RequestID uuid.UUID
	Payload   ResponsePayload
	IsFinal   bool
}

// NewEchoRequest builds a C-ECHO request for the given peer.
func NewEchoRequest(remote *RemoteNode) *Request {
	return &Request{ID: uuid.New(), Command: CommandEcho, Remote: remote}
}

// NewFindRequest builds a C-FIND request carrying the query payload.
func NewFindRequest(remote *RemoteNode, payload any) *Request {
	return &Request{ID: uuid.New(), Command: CommandFind, Remote: remote, Payload: payload}
}

// NewMoveRequest builds a C-MOVE request carrying the query payload.
func NewMoveRequest(remote *RemoteNode, payload any) *Request {
	return &Request{ID: uuid.New(), Command: CommandMove, Remote: remote, Payload: payload}
}

// NewStoreRequest builds a C-STORE request carrying the dataset payload.
func NewStoreRequest(remote *RemoteNode, payload any) *Request {
	return &Request{ID: uuid.New(), Command: CommandStore, Remote: remote, Payload: payload}
}

// EchoResponse is a final C-ECHO reply.
func EchoResponse(requestID uuid.UUID, success bool) *Response {
	return &Response{
		RequestID: requestID,
		Payload:   ResponsePayload{Kind: PayloadEcho, Success: success},
		IsFinal:   true,
	}
}

// FindResponse is one C-FIND reply; pending replies carry a dataset and
// isFinal=false, the terminator carries isFinal=true.
func FindResponse(requestID uuid.UUID, dataset any, isFinal bool) *Response {
	return &Response{
		RequestID: requestID,
		Payload:   ResponsePayload{Kind: PayloadFind, Dataset: dataset, Success: true},
		IsFinal:   isFinal,
	}
}

// MoveResponse is a C-MOVE reply with sub-operation counters.
func MoveResponse(requestID uuid.UUID, dataset any, remaining, completed, failed, warning int, isFinal bool) *Response {
	return &Response{
		RequestID: requestID,
		Payload: ResponsePayload{
			Kind:      PayloadMove,
			Dataset:   dataset,
			Success:   true,
			Remaining: remaining,
			Completed: completed,
			Failed:    failed,
			Warning:   warning,
		},
		IsFinal: isFinal,
	}
}

// StoreResponse is a final C-STORE reply.
func StoreResponse(requestID uuid.UUID, success bool) *Response {
	return &Response{
		RequestID: requestID,
		Payload:   ResponsePayload{Kind: PayloadStore, Success: success},
		IsFinal:   true,
	}
}

// ErrorResponse is a final error reply.
func ErrorResponse(requestID uuid.UUID, msg string) *Response {
	return &Response{
		RequestID: requestID,
		Payload:   ResponsePayload{Kind: PayloadError, Error: msg},
		IsFinal:   true,
	}
}
