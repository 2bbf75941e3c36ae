// Package service routes accepted connections to protocol handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/TheusHen/peerprobe/probe/endpoint"
	"github.com/TheusHen/peerprobe/probe/metrics"
	"github.com/TheusHen/peerprobe/probe/protocol"
)

const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultMaxConcurrent = 256
)

var ErrProtocolMismatch = errors.New("service: no handler for protocol")

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// GracePeriod bounds how long Serve waits for running handlers on
	// shutdown before cancelling them.
	GracePeriod time.Duration
	// MaxConcurrent caps running handlers. Connections beyond the cap are
	// closed with CodeBusy.
	MaxConcurrent int64
}

// Dispatcher accepts connections on an Endpoint and runs the handler
// registered for each connection's tag in its own goroutine.
type Dispatcher struct {
	ep      *endpoint.Endpoint
	routes  map[protocol.Tag]protocol.Handler
	log     *zap.Logger
	metrics *metrics.Metrics
	grace   time.Duration
	slots   *semaphore.Weighted
	running atomic.Int64
}

func New(ep *endpoint.Endpoint, reg *protocol.Registry, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		ep:      ep,
		routes:  reg.Snapshot(),
		log:     opts.Logger.Named("dispatcher"),
		metrics: opts.Metrics,
		grace:   opts.GracePeriod,
		slots:   semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Serve accepts until ctx is done or the endpoint closes, then drains
// running handlers. It returns nil on a normal shutdown, and returns at the
// latest two grace periods after accepting stops.
func (d *Dispatcher) Serve(ctx context.Context) error {
	// Handlers outlive ctx by up to the grace period.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	var wg sync.WaitGroup
	var serveErr error
	for {
		conn, err := d.ep.Accept(ctx)
		if err != nil {
			if !errors.Is(err, endpoint.ErrClosed) && ctx.Err() == nil {
				serveErr = fmt.Errorf("service: accept: %w", err)
			}
			break
		}
		d.dispatch(handlerCtx, &wg, conn)
	}

	d.drain(&wg, cancelHandlers)
	return serveErr
}

func (d *Dispatcher) dispatch(ctx context.Context, wg *sync.WaitGroup, conn *endpoint.Conn) {
	log := conn.Logger()
	h, ok := d.routes[conn.Protocol()]
	if !ok {
		d.metrics.ConnRejected(metrics.ReasonProtocolMismatch)
		log.Warn("dropping connection", zap.Error(ErrProtocolMismatch))
		_ = conn.CloseWithError(protocol.CodeProtocolMismatch, "unknown protocol")
		return
	}
	if !d.slots.TryAcquire(1) {
		d.metrics.ConnRejected(metrics.ReasonBusy)
		log.Warn("dropping connection: too many running handlers")
		_ = conn.CloseWithError(protocol.CodeBusy, "busy")
		return
	}
	d.metrics.ConnAccepted(conn.Protocol().String())

	wg.Add(1)
	d.running.Add(1)
	go func() {
		defer wg.Done()
		defer d.slots.Release(1)
		defer d.running.Add(-1)
		d.run(ctx, h, conn)
	}()
}

func (d *Dispatcher) run(ctx context.Context, h protocol.Handler, conn *endpoint.Conn) {
	log := conn.Logger()
	done := d.metrics.HandlerStarted(conn.Protocol().String())

	stop := context.AfterFunc(ctx, func() {
		_ = conn.CloseWithError(protocol.CodeShutdown, "shutting down")
	})
	defer stop()

	err := serveConn(ctx, h, conn)
	done(err)
	if err != nil {
		log.Warn("handler failed", zap.Error(err))
		_ = conn.CloseWithError(protocol.CodeHandlerFailed, "handler failed")
		return
	}
	log.Debug("handler done")
	_ = conn.CloseWithError(protocol.CodeNoError, "")
}

func serveConn(ctx context.Context, h protocol.Handler, conn protocol.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: handler panic: %v", r)
		}
	}()
	return h.ServeConn(ctx, conn)
}

func (d *Dispatcher) drain(wg *sync.WaitGroup, cancel context.CancelFunc) {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-finished:
		return
	case <-timer.C:
	}
	d.log.Warn("grace period elapsed, cancelling handlers", zap.Duration("grace", d.grace))
	cancel()

	// Cancellation closed every handler's connection; one that still runs
	// ignores both and is abandoned.
	timer.Reset(d.grace)
	select {
	case <-finished:
	case <-timer.C:
		d.log.Error("abandoning handlers that ignored cancellation", zap.Int64("running", d.running.Load()))
	}
}
