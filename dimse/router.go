package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultQueueDepth bounds the in-memory request queue.
const DefaultQueueDepth = 1000

// streamBufferDepth bounds each per-request streaming reply channel.
const streamBufferDepth = 100

// ErrUnsupportedOperation is returned when an operation is invoked on
// the router half that does not support it.
var ErrUnsupportedOperation = errors.New("operation not supported by this router half")

// ErrRouterClosed is returned once the router has shut down.
var ErrRouterClosed = errors.New("router is closed")

// Router is the in-process DIMSE transport contract. The sender half
// supports SendRequest and SendStreamingRequest; the receiver half
// supports NextRequest and SendResponse. Each half returns
// ErrUnsupportedOperation for the other half's operations.
type Router interface {
	SendRequest(ctx context.Context, req *Request) (*Response, error)
	SendStreamingRequest(ctx context.Context, req *Request) (*ResponseStream, error)
	NextRequest(ctx context.Context) (*Request, error)
	SendResponse(ctx context.Context, resp *Response) error
}

// routerCore is shared by both halves: the bounded request queue and the
// registry of reply channels for requests in flight.
type routerCore struct {
	reqCh chan *Request

	mu      sync.Mutex
	pending map[uuid.UUID]chan *Response
	closed  bool
}

func (c *routerCore) register(id uuid.UUID, ch chan *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = ch
}

func (c *routerCore) unregister(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *routerCore) lookup(id uuid.UUID) (chan *Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ch, ok = c.pending[id]
	return ch, ok
}

// InMemoryRouter is a pair of bounded queues connecting an originator to
// the SCP loop within one process. Split it to obtain the two usable
// halves.
type InMemoryRouter struct {
	core *routerCore
}

// NewInMemoryRouter builds a router with the given request queue depth;
// depth <= 0 selects DefaultQueueDepth.
func NewInMemoryRouter(depth int) *InMemoryRouter {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &InMemoryRouter{core: &routerCore{
		reqCh:   make(chan *Request, depth),
		pending: make(map[uuid.UUID]chan *Response),
	}}
}

// Split returns the sender and receiver halves. Both share the same
// queues; Split may be called once per router.
func (r *InMemoryRouter) Split() (*RouterSender, *RouterReceiver) {
	return &RouterSender{core: r.core}, &RouterReceiver{core: r.core}
}

// Close shuts the request queue down. Subsequent NextRequest calls
// return ErrRouterClosed after draining.
func (r *InMemoryRouter) Close() {
	r.core.mu.Lock()
	defer r.core.mu.Unlock()
	if !r.core.closed {
		r.core.closed = true
		close(r.core.reqCh)
	}
}

// RouterSender is the originator-facing half.
type RouterSender struct {
	core *routerCore
}

// SendRequest forwards a single-reply command and waits for its one
// response.
func (s *RouterSender) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	var ch = make(chan *Response, 1)
	req.respCh = ch
	s.core.register(req.ID, ch)
	defer s.core.unregister(req.ID)

	select {
	case s.core.reqCh <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("sending %s request: %w", req.Command, ctx.Err())
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting %s response: %w", req.Command, ctx.Err())
	}
}

// SendStreamingRequest forwards a command whose reply is a finite
// sequence of responses terminated by one with IsFinal set. The returned
// stream yields responses in production order and closes after the final
// one.
func (s *RouterSender) SendStreamingRequest(ctx context.Context, req *Request) (*ResponseStream, error) {
	var ch = make(chan *Response, streamBufferDepth)
	req.streamCh = ch
	s.core.register(req.ID, ch)

	select {
	case s.core.reqCh <- req:
	case <-ctx.Done():
		s.core.unregister(req.ID)
		return nil, fmt.Errorf("sending %s request: %w", req.Command, ctx.Err())
	}

	return &ResponseStream{ch: ch, finish: func() { s.core.unregister(req.ID) }}, nil
}

// NextRequest is a receiver-half operation.
func (s *RouterSender) NextRequest(context.Context) (*Request, error) {
	return nil, fmt.Errorf("next_request on sender half: %w", ErrUnsupportedOperation)
}

// SendResponse is a receiver-half operation.
func (s *RouterSender) SendResponse(context.Context, *Response) error {
	return fmt.Errorf("send_response on sender half: %w", ErrUnsupportedOperation)
}

// RouterReceiver is the SCP-facing half.
type RouterReceiver struct {
	core *routerCore
}

// NextRequest blocks for the next inbound request.
func (r *RouterReceiver) NextRequest(ctx context.Context) (*Request, error) {
	select {
	case req, ok := <-r.core.reqCh:
		if !ok {
			return nil, ErrRouterClosed
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse delivers a reply to the originator of the matching
// request. It is the fallback path for requests that carry no embedded
// reply channel.
func (r *RouterReceiver) SendResponse(ctx context.Context, resp *Response) error {
	var ch, ok = r.core.lookup(resp.RequestID)
	if !ok {
		log.WithField("request_id", resp.RequestID).Warn("dropping response for unknown request")
		return fmt.Errorf("no pending request %s", resp.RequestID)
	}
	select {
	case ch <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest is a sender-half operation.
func (r *RouterReceiver) SendRequest(context.Context, *Request) (*Response, error) {
	return nil, fmt.Errorf("send_request on receiver half: %w", ErrUnsupportedOperation)
}

// SendStreamingRequest is a sender-half operation.
func (r *RouterReceiver) SendStreamingRequest(context.Context, *Request) (*ResponseStream, error) {
	return nil, fmt.Errorf("send_streaming_request on receiver half: %w", ErrUnsupportedOperation)
}

// Reply routes a response for this request: the single-reply channel if
// installed, else the streaming channel, else the given receiver's
// response path.
func (req *Request) Reply(ctx context.Context, recv *RouterReceiver, resp *Response) error {
	if req.respCh != nil {
		select {
		case req.respCh <- resp:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if req.streamCh != nil {
		select {
		case req.streamCh <- resp:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if recv != nil {
		return recv.SendResponse(ctx, resp)
	}
	return fmt.Errorf("request %s has no reply path", req.ID)
}

// ResponseStream yields the responses of a streaming command. The
// sequence is finite: it ends with, and only with, a response whose
// IsFinal flag is set, after which Next returns io.EOF.
type ResponseStream struct {
	ch     chan *Response
	finish func()
	done   bool
}

// Next returns the next response, or io.EOF once the stream has ended.
func (s *ResponseStream) Next(ctx context.Context) (*Response, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case resp := <-s.ch:
		if resp.IsFinal {
			s.close()
		}
		return resp, nil
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}
}

// Collect drains the stream into a slice, final response included.
func (s *ResponseStream) Collect(ctx context.Context) ([]*Response, error) {
	var out []*Response
	for {
		var resp, err = s.Next(ctx)
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
}

func (s *ResponseStream) close() {
	if !s.done {
		s.done = true
		if s.finish != nil {
			s.finish()
		}
	}
}
