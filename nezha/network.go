package nezha

import "github.com/dqian3/Nezha/transport"

// Network bundles the two UDP endpoints a replica needs: one facing
// clients/proxies (ClientRequest in, FastReply/SlowReply out) and one
// facing its peer replicas (everything in spec.md §4.5-§4.9). Splitting
// them mirrors spec.md §2's component table, which gives client-facing and
// peer-facing roles separate sockets, without requiring one socket per
// role as original_source/nezha/replica.h does.
type Network struct {
	Client transport.Endpoint
	Peer   transport.Endpoint

	// PeerAddrs is indexed by replicaId and gives the peer endpoint address
	// of every replica, including self.
	PeerAddrs []transport.Addr
}

func (n *Network) broadcastPeers(self uint32, payload []byte) {
	for id, addr := range n.PeerAddrs {
		if uint32(id) == self {
			continue
		}
		_ = n.Peer.Send(addr, payload)
	}
}
