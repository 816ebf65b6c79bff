package refimpl

import (
	"encoding/json"
	"errors"
	"time"

	"mixminion.io/client/mixnet"
)

// PacketBuilder is a reference mixnet.PacketBuilder. It performs no
// real layered (Sphinx-style) encryption; it records the route and
// payload as JSON so tests can inspect what would have been sent.
type PacketBuilder struct {
	Crypto mixnet.Crypto
}

var _ mixnet.PacketBuilder = PacketBuilder{}

type forwardPacket struct {
	Kind     string
	Route    []string
	ExitType uint16
	ExitInfo []byte
	Payload  []byte
}

type replyPacket struct {
	Kind    string
	SURB    []byte
	Payload []byte
}

// BuildForward constructs a placeholder forward packet.
func (b PacketBuilder) BuildForward(route mixnet.PathSolution, addr mixnet.Address, payload []byte) ([]byte, error) {
	hops := route.Hops()
	names := make([]string, len(hops))
	for i, h := range hops {
		names[i] = h.Nickname()
	}
	return json.Marshal(forwardPacket{
		Kind:     "forward",
		Route:    names,
		ExitType: addr.ExitType,
		ExitInfo: addr.ExitInfo,
		Payload:  payload,
	})
}

// BuildReply constructs a placeholder reply packet over a SURB.
func (b PacketBuilder) BuildReply(payload []byte, s mixnet.SURB) ([]byte, error) {
	return json.Marshal(replyPacket{Kind: "reply", SURB: s.Bytes, Payload: payload})
}

// BuildSURB constructs a placeholder SURB over the given reply half-path.
func (b PacketBuilder) BuildSURB(leg []mixnet.ServerDescriptor, lifetime time.Duration) (mixnet.SURB, error) {
	if len(leg) == 0 {
		return mixnet.SURB{}, errors.New("refimpl: cannot build a SURB over an empty path")
	}
	id, err := b.Crypto.RandomBytes(16)
	if err != nil {
		return mixnet.SURB{}, err
	}
	return mixnet.SURB{
		Bytes:    id,
		Expiry:   time.Now().Add(lifetime),
		FirstHop: leg[0].RoutingInfo(),
	}, nil
}
