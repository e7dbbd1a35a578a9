package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/drand/tally/common"
	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/state"
)

// Gateway is an Oracle decrypting with a local key. Each request is served
// on its own goroutine, after the configured delay, and the signed response
// is handed to every registered callback.
type Gateway struct {
	sync.Mutex
	l     log.Logger
	clock clockwork.Clock
	dec   fhe.Decrypter
	key   *fhe.KeyPair
	delay time.Duration
	drop  func(state.RequestID) bool
	cbs   map[string]Callback

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithClock sets the clock used to wait the response delay.
func WithClock(c clockwork.Clock) GatewayOption {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l log.Logger) GatewayOption {
	return func(g *Gateway) {
		g.l = l
	}
}

// WithDelay delays every response by d.
func WithDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.delay = d
	}
}

// WithDrop never answers the requests for which drop returns true.
func WithDrop(drop func(state.RequestID) bool) GatewayOption {
	return func(g *Gateway) {
		g.drop = drop
	}
}

// NewGateway returns a gateway decrypting with dec and signing with key.
func NewGateway(dec fhe.Decrypter, key *fhe.KeyPair, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		l:     log.DefaultLogger(),
		clock: clockwork.NewRealClock(),
		dec:   dec,
		key:   key,
		drop:  func(state.RequestID) bool { return false },
		cbs:   make(map[string]Callback),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.l = g.l.Named("oracle")
	return g
}

// Identity returns the caller identity attached to responses.
func (g *Gateway) Identity() common.Identity {
	return IdentityOf(g.key.Public)
}

// AddCallback registers a function to call with every response.
func (g *Gateway) AddCallback(id string, fn Callback) {
	g.Lock()
	defer g.Unlock()
	g.cbs[id] = fn
}

// RemoveCallback unregisters the callback under id.
func (g *Gateway) RemoveCallback(id string) {
	g.Lock()
	defer g.Unlock()
	delete(g.cbs, id)
}

// RequestDecryption implements Oracle.
func (g *Gateway) RequestDecryption(ctx context.Context, cts []fhe.Ciphertext) (state.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-g.done:
		return "", fmt.Errorf("oracle: gateway stopped")
	default:
	}
	id := state.RequestID(uuid.New().String())
	cts = append([]fhe.Ciphertext(nil), cts...)

	g.wg.Add(1)
	go g.serve(id, cts)
	g.l.Debugw("request registered", "id", id, "ciphertexts", len(cts))
	return id, nil
}

func (g *Gateway) serve(id state.RequestID, cts []fhe.Ciphertext) {
	defer g.wg.Done()
	if g.drop(id) {
		g.l.Infow("dropping request", "id", id)
		return
	}
	if g.delay > 0 {
		select {
		case <-g.clock.After(g.delay):
		case <-g.done:
			return
		}
	}

	resp := &Response{RequestID: id, Plaintexts: make([]uint64, len(cts))}
	for i, c := range cts {
		v, err := g.dec.Decrypt(c)
		if err != nil {
			g.l.Errorw("decryption failed", "id", id, "index", i, "err", err)
			return
		}
		resp.Plaintexts[i] = v
	}
	if err := Sign(g.key.Secret, resp); err != nil {
		g.l.Errorw("signing response", "id", id, "err", err)
		return
	}

	g.Lock()
	cbs := make([]Callback, 0, len(g.cbs))
	for _, cb := range g.cbs {
		cbs = append(cbs, cb)
	}
	g.Unlock()

	ctx := log.ToContext(context.Background(), g.l)
	for _, cb := range cbs {
		if err := cb(ctx, resp); err != nil {
			g.l.Warnw("callback rejected response", "id", id, "err", err)
		}
	}
}

// Stop abandons the requests still waiting for their delay and waits for the
// ones being delivered.
func (g *Gateway) Stop() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}
