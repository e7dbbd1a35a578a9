package lp2p

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/drand/tally/common/log"
	"github.com/drand/tally/internal/state"
)

const sinkQueue = 256

// Config configures a gossip node.
type Config struct {
	// Topic names the deployment; nodes only see events of the same topic.
	Topic        string
	PeerWith     []string
	Addr         string
	IdentityPath string
	// Priv is used instead of the key at IdentityPath when set.
	Priv crypto.PrivKey
}

// Node publishes committed events on the gossip topic and lets others
// follow them.
type Node struct {
	l      log.Logger
	h      host.Host
	ps     *pubsub.PubSub
	t      *pubsub.Topic
	queue  chan *state.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNode starts a gossip node.
func NewNode(l log.Logger, cfg *Config) (*Node, error) {
	l = l.Named("lp2p")
	bootstrap, err := ParseMultiaddrSlice(cfg.PeerWith)
	if err != nil {
		return nil, xerrors.Errorf("parsing peer-with: %w", err)
	}

	priv := cfg.Priv
	if priv == nil {
		priv, err = LoadOrCreatePrivKey(cfg.IdentityPath, l)
		if err != nil {
			return nil, xerrors.Errorf("loading p2p key: %w", err)
		}
	}

	h, ps, err := ConstructHost(priv, cfg.Addr, bootstrap, l)
	if err != nil {
		return nil, xerrors.Errorf("constructing host: %w", err)
	}

	t, err := ps.Join(PubSubTopic(cfg.Topic))
	if err != nil {
		_ = h.Close()
		return nil, xerrors.Errorf("joining topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		l:      l,
		h:      h,
		ps:     ps,
		t:      t,
		queue:  make(chan *state.Event, sinkQueue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, a := range n.Multiaddrs() {
		l.Infow("gossip node listening", "addr", a)
	}
	go n.background()
	return n, nil
}

// Multiaddrs returns the addresses other nodes can peer with.
func (n *Node) Multiaddrs() []ma.Multiaddr {
	base := n.h.Addrs()
	b := make([]ma.Multiaddr, 0, len(base))
	for _, a := range base {
		m, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
		if err != nil {
			n.l.Warnw("invalid listen address", "addr", a, "err", err)
			continue
		}
		b = append(b, m)
	}
	return b
}

// Publish queues e for gossip. It never blocks: it is meant to be
// registered as a service callback. Events published after Shutdown are
// dropped.
func (n *Node) Publish(e *state.Event) {
	if n.ctx.Err() != nil {
		n.l.Debugw("node shut down, dropping event", "seq", e.Seq)
		return
	}
	select {
	case n.queue <- e:
	default:
		n.l.Warnw("gossip queue full, dropping event", "seq", e.Seq, "kind", e.Kind)
	}
}

func (n *Node) background() {
	defer close(n.done)
	for {
		select {
		case e := <-n.queue:
			buff, err := e.Marshal()
			if err != nil {
				n.l.Errorw("marshaling event", "seq", e.Seq, "err", err)
				continue
			}
			if err := n.t.Publish(n.ctx, buff); err != nil {
				n.l.Errorw("publishing on pubsub", "seq", e.Seq, "err", err)
				continue
			}
			n.l.Debugw("published event", "seq", e.Seq, "kind", e.Kind)
		case <-n.ctx.Done():
			return
		}
	}
}

// Subscribe returns the events other nodes publish. The channel is closed
// when ctx is done or the node shuts down.
func (n *Node) Subscribe(ctx context.Context) (<-chan *state.Event, error) {
	sub, err := n.t.Subscribe()
	if err != nil {
		return nil, xerrors.Errorf("subscribing: %w", err)
	}
	out := make(chan *state.Event, sinkQueue)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.h.ID() {
				continue
			}
			e := new(state.Event)
			if err := e.Unmarshal(msg.Data); err != nil {
				n.l.Warnw("invalid event received", "from", msg.ReceivedFrom, "err", err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Shutdown stops the node.
func (n *Node) Shutdown() error {
	n.cancel()
	<-n.done
	if err := n.t.Close(); err != nil {
		n.l.Warnw("closing topic", "err", err)
	}
	return n.h.Close()
}
