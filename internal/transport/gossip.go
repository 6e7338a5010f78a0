// Package transport gossips consensus messages over libp2p, grounded
// in echenim-Bedrock's ControlPlane use of go-libp2p and
// go-libp2p-pubsub for its own consensus traffic.
package transport

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

const topicName = "hdc/consensus/v1"

// kind tags the wire envelope so the receiving side knows which
// concrete type to RLP-decode into; the core's messages are a tagged
// union (spec.md §9 Design Note) and that tagging has to survive the
// wire, since pubsub delivers opaque bytes.
type kind uint8

const (
	kindVote kind = iota
	kindBlockProposal
	kindVotingInstruction
	kindBlockRequest
	kindReady
)

type envelope struct {
	Kind    kind
	Payload []byte
}

// Gossip is a libp2p-pubsub backed transport implementing the
// Broadcast/receive half of consensus/bft.ChainService.
type Gossip struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	onVote              func(*types.Vote)
	onBlockProposal     func(*types.BlockProposal)
	onVotingInstruction func(*types.VotingInstruction)
	onBlockRequest      func(*types.BlockRequest)
	onReady             func(*types.Ready)
}

// Handlers are the callbacks invoked for each decoded message kind
// arriving over gossip.
type Handlers struct {
	OnVote              func(*types.Vote)
	OnBlockProposal     func(*types.BlockProposal)
	OnVotingInstruction func(*types.VotingInstruction)
	OnBlockRequest      func(*types.BlockRequest)
	OnReady             func(*types.Ready)
}

// New starts a libp2p host listening on listenAddr and joins the
// consensus gossip topic.
func New(ctx context.Context, listenAddr string, h Handlers) (*Gossip, error) {
	addr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse listen addr: %w", err)
	}
	host, err := libp2p.New(libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: new host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: new gossipsub: %w", err)
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	g := &Gossip{
		host: host, ps: ps, topic: topic, sub: sub,
		onVote: h.OnVote, onBlockProposal: h.OnBlockProposal,
		onVotingInstruction: h.OnVotingInstruction,
		onBlockRequest:      h.OnBlockRequest, onReady: h.OnReady,
	}
	go g.loop(ctx)
	return g, nil
}

func (g *Gossip) loop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("bft transport: subscription read failed", "err", err)
			continue
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		g.dispatch(msg.Data)
	}
}

func (g *Gossip) dispatch(data []byte) {
	var env envelope
	if err := rlp.DecodeBytes(data, &env); err != nil {
		log.Debug("bft transport: malformed envelope", "err", err)
		return
	}
	switch env.Kind {
	case kindVote:
		var v types.Vote
		if err := rlp.DecodeBytes(env.Payload, &v); err == nil && g.onVote != nil {
			g.onVote(&v)
		}
	case kindBlockProposal:
		var bp types.BlockProposal
		if err := rlp.DecodeBytes(env.Payload, &bp); err == nil && g.onBlockProposal != nil {
			g.onBlockProposal(&bp)
		}
	case kindVotingInstruction:
		var vi types.VotingInstruction
		if err := rlp.DecodeBytes(env.Payload, &vi); err == nil && g.onVotingInstruction != nil {
			g.onVotingInstruction(&vi)
		}
	case kindBlockRequest:
		var br types.BlockRequest
		if err := rlp.DecodeBytes(env.Payload, &br); err == nil && g.onBlockRequest != nil {
			g.onBlockRequest(&br)
		}
	case kindReady:
		var r types.Ready
		if err := rlp.DecodeBytes(env.Payload, &r); err == nil && g.onReady != nil {
			g.onReady(&r)
		}
	default:
		log.Debug("bft transport: unknown message kind", "kind", env.Kind)
	}
}

// Broadcast publishes msg to the gossip topic, tagging it with its
// concrete kind so peers can decode it. Satisfies the Broadcast half
// of consensus/bft.ChainService.
func (g *Gossip) Broadcast(msg interface{}) {
	var (
		k   kind
		buf []byte
		err error
	)
	switch m := msg.(type) {
	case *types.Vote:
		k, buf, err = kindVote, mustEncode(m), nil
	case *types.BlockProposal:
		k, buf, err = kindBlockProposal, mustEncode(m), nil
	case *types.VotingInstruction:
		k, buf, err = kindVotingInstruction, mustEncode(m), nil
	case *types.BlockRequest:
		k, buf, err = kindBlockRequest, mustEncode(m), nil
	case *types.Ready:
		k, buf, err = kindReady, mustEncode(m), nil
	default:
		log.Error("bft transport: cannot broadcast unknown message type", "type", fmt.Sprintf("%T", msg))
		return
	}
	if err != nil {
		return
	}
	env, err := rlp.EncodeToBytes(envelope{Kind: k, Payload: buf})
	if err != nil {
		log.Error("bft transport: encode envelope", "err", err)
		return
	}
	if err := g.topic.Publish(context.Background(), env); err != nil {
		log.Error("bft transport: publish failed", "err", err)
	}
}

func mustEncode(v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		log.Error("bft transport: encode message", "err", err)
		return nil
	}
	return b
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	return g.host.Close()
}
