// Package server binds RPC handlers to queues and answers every request with an
// envelope on the caller's reply queue.
//
// Request processing pipeline:
//
//	Consume(queue) → consumer goroutine (one per queue, never blocks on handlers)
//	  → for each delivery: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler → Codec.Encode → Publish(replyTo)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mq-rpc/codec"
	"mq-rpc/message"
	"mq-rpc/middleware"
	"mq-rpc/registry"
	"mq-rpc/transport"

	"go.uber.org/zap"
)

// Handler computes the reply payload for a request payload. The result is
// marshalled as JSON; a returned error is sent back as its message text only.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// DefaultDirectoryTTL is the lease, in seconds, of a directory entry whose
// server stopped renewing it.
const DefaultDirectoryTTL = 10

// ErrMsgNoHandler is the reply to a request on a queue with no handler.
const ErrMsgNoHandler = "no handler registered"

type Server struct {
	transport   transport.Transport
	logger      *zap.Logger
	routes      map[string]Handler      // queue name → handler
	middlewares []middleware.Middleware // applied in the order added
	handler     middleware.HandlerFunc  // recover(middlewares(...(businessHandler)))

	// Service directory entry, advertised while serving. Nil registry skips it.
	registry  registry.Registry
	advertise registry.ServiceInstance
	ttl       int64

	mu        sync.Mutex
	serving   bool
	shutdown  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup // in-flight requests, for graceful shutdown
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDirectory advertises instance in reg while the server is serving. The entry
// expires ttl seconds after the process dies without deregistering; ttl <= 0
// means DefaultDirectoryTTL.
func WithDirectory(reg registry.Registry, instance registry.ServiceInstance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertise = instance
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewServer creates a server consuming from t.
func NewServer(t transport.Transport, opts ...Option) *Server {
	s := &Server{
		transport: t,
		logger:    zap.NewNop(),
		routes:    make(map[string]Handler),
		ttl:       DefaultDirectoryTTL,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle binds h to queue. Each queue has at most one handler per server; binding
// a second one is an error. Handlers must be bound before Serve.
func (s *Server) Handle(queue string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving {
		return fmt.Errorf("rpc: cannot bind %s: server already serving", queue)
	}
	if queue == "" {
		return errors.New("rpc: empty queue name")
	}
	if _, ok := s.routes[queue]; ok {
		return fmt.Errorf("rpc: handler for %s already registered", queue)
	}
	s.routes[queue] = h
	return nil
}

// HandleTyped binds a handler with typed JSON arguments and result.
func HandleTyped[A, R any](s *Server, queue string, fn func(ctx context.Context, args A) (R, error)) error {
	return s.Handle(queue, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args A
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		return fn(ctx, args)
	})
}

// Register binds every exported method of rcvr (e.g. &Arith{}) with an RPC
// signature to a queue named "Type.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	return s.registerService(svc)
}

// RegisterName is Register with an explicit service name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svc.name = name
	return s.registerService(svc)
}

func (s *Server) registerService(svc *service) error {
	if len(svc.method) == 0 {
		return fmt.Errorf("rpc: type %s has no exported methods of suitable type", svc.name)
	}
	for name, mType := range svc.method {
		if err := s.Handle(svc.name+"."+name, svc.handler(mType)); err != nil {
			return err
		}
	}
	return nil
}

// Queues returns the bound queue names.
func (s *Server) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]string, 0, len(s.routes))
	for queue := range s.routes {
		queues = append(queues, queue)
	}
	return queues
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Serve declares every bound queue, starts consuming, advertises the server in the
// directory, and blocks until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("rpc: server already serving")
	}
	s.serving = true

	// Build the chain once at startup (not per request). Panic recovery is the
	// outermost layer so a panicking middleware still produces an answer.
	chain := append([]middleware.Middleware{middleware.RecoverMiddleware(s.logger)}, s.middlewares...)
	s.handler = middleware.Chain(chain...)(s.businessHandler)

	consumeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	routes := make([]string, 0, len(s.routes))
	for queue := range s.routes {
		routes = append(routes, queue)
	}
	s.mu.Unlock()

	// Handlers and their replies must survive cancellation of the consumers.
	handlerCtx := context.WithoutCancel(ctx)

	// A failed start stops the consumers already running and leaves the server
	// ready to be served again.
	abort := func(err error) error {
		cancel()
		s.mu.Lock()
		s.serving = false
		s.cancel = nil
		s.mu.Unlock()
		return err
	}

	for _, queue := range routes {
		queue := queue
		if err := s.transport.DeclareQueue(ctx, queue); err != nil {
			return abort(fmt.Errorf("rpc: declare %s: %w", queue, err))
		}
		err := s.transport.Consume(consumeCtx, queue, func(msg transport.Message) {
			s.mu.Lock()
			if s.shutdown {
				// Left unacknowledged; the broker redelivers it elsewhere.
				s.mu.Unlock()
				return
			}
			s.wg.Add(1)
			s.mu.Unlock()

			// Without `go`, a slow handler would hold up every later message on this
			// queue.
			go s.handleRequest(handlerCtx, queue, msg)
		})
		if err != nil {
			return abort(fmt.Errorf("rpc: consume %s: %w", queue, err))
		}
		s.logger.Info("rpc queue bound", zap.String("queue", queue))
	}

	if s.registry != nil {
		if err := s.registry.Register(ctx, s.advertise, s.ttl); err != nil {
			return abort(fmt.Errorf("rpc: advertise %s: %w", s.advertise.Name, err))
		}
	}

	close(s.ready)

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// Ready is closed once Serve has bound every queue and advertised the server.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// handleRequest processes one delivery: decode → middleware → business logic →
// encode → publish to reply-to → ack.
func (s *Server) handleRequest(ctx context.Context, queue string, msg transport.Message) {
	defer s.wg.Done()
	defer func() {
		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", zap.String("queue", queue), zap.Error(err))
		}
	}()

	var env *message.Envelope
	req := message.Request{}

	cdc, err := codec.ForContentType(msg.ContentType)
	if err != nil {
		cdc = &codec.JSONCodec{}
		env = message.Failure(msg.CorrelationID, err.Error())
	} else if err := cdc.Decode(msg.Body, &req); err != nil {
		env = message.Failure(msg.CorrelationID, "malformed request: "+err.Error())
	}

	// Message properties fill in for publishers that only set them there.
	if req.CorrelationID == "" {
		req.CorrelationID = msg.CorrelationID
	}
	if req.ReplyTo == "" {
		req.ReplyTo = msg.ReplyTo
	}

	if env == nil {
		env = s.handler(middleware.WithInFlight(ctx, &s.wg), queue, &req)
	}
	env.CorrelationID = req.CorrelationID

	if req.ReplyTo == "" {
		s.logger.Warn("request has no reply address, dropping reply",
			zap.String("queue", queue),
			zap.String("correlation_id", req.CorrelationID))
		return
	}

	body, err := cdc.Encode(env)
	if err != nil {
		s.logger.Error("encode reply failed", zap.String("queue", queue), zap.Error(err))
		return
	}

	// A failed reply is only logged; the caller sees a timeout.
	err = s.transport.Publish(ctx, req.ReplyTo, transport.Message{
		Body:          body,
		ContentType:   cdc.ContentType(),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.logger.Error("publish reply failed",
			zap.String("queue", queue),
			zap.String("reply_to", req.ReplyTo),
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err))
	}
}

// businessHandler dispatches to the handler bound to queue. It is wrapped by the
// middleware chain and has the HandlerFunc signature.
func (s *Server) businessHandler(ctx context.Context, queue string, req *message.Request) *message.Envelope {
	s.mu.Lock()
	h, ok := s.routes[queue]
	s.mu.Unlock()
	if !ok {
		return message.Failure(req.CorrelationID, ErrMsgNoHandler)
	}

	result, err := h(ctx, req.Payload)
	if err != nil {
		return message.Failure(req.CorrelationID, err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return message.Failure(req.CorrelationID, "marshal result: "+err.Error())
	}
	return message.Success(req.CorrelationID, data)
}

// Shutdown performs graceful shutdown:
//  1. Remove the server from the service directory
//  2. Stop consuming (undelivered messages stay on the broker)
//  3. Wait for in-flight requests to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.advertise.Name, s.advertise.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", s.advertise.Name), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.shutdown = true
	stop := s.cancel
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.closeOnce.Do(func() { close(s.done) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rpc: timeout waiting for in-flight requests to finish")
	}
}
