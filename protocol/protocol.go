// Package protocol carries the wire-level identity of a request as it
// enters the gateway. A Ctx is produced once by the adapter that accepted
// the request and is propagated read-only through the pipeline.
package protocol

// Protocol identifies the wire protocol a request arrived on.
type Protocol string

const (
	HTTP  Protocol = "http"
	DIMSE Protocol = "dimse"
	HL7   Protocol = "hl7"
)

// Ctx is the tagged carrier for protocol identity, raw payload, and
// adapter-provided attributes. Meta holds short string facts (path,
// full_path, protocol); Attrs holds the structured view the service
// needs to build an envelope (method, uri, headers, cookies, ...).
type Ctx struct {
	Protocol Protocol
	Payload  []byte
	Meta     map[string]string
	Attrs    map[string]any
}

// NewCtx returns a Ctx with initialized maps.
func NewCtx(p Protocol, payload []byte) *Ctx {
	return &Ctx{
		Protocol: p,
		Payload:  payload,
		Meta:     make(map[string]string),
		Attrs:    make(map[string]any),
	}
}

// MetaValue returns the named meta entry, or "" when absent.
func (c *Ctx) MetaValue(key string) string {
	if c == nil || c.Meta == nil {
		return ""
	}
	return c.Meta[key]
}
