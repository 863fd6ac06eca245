package peers

import (
	"net"
	"strconv"

	"github.com/nictuku/dht"
	"github.com/rs/zerolog/log"
	"github.com/tovrik/undertow/pkg/tracker"
)

// dhtNode wraps a nictuku DHT node and converts its results
// into tracker.PeerInfo candidates
type dhtNode struct {
	node *dht.DHT
	sink func(InfoHash, tracker.PeerInfo)
}

func (n *dhtNode) Request(hash InfoHash) {
	n.node.PeersRequest(string(hash[:]), false)
}

func (n *dhtNode) Stop() {
	n.node.Stop()
}

func (n *dhtNode) drain() {
	for res := range n.node.PeersRequestResults {
		for ih, peers := range res {
			var hash InfoHash
			copy(hash[:], string(ih))

			for _, raw := range peers {
				p, ok := parsePeerAddr(dht.DecodePeerAddress(raw))
				if !ok {
					continue
				}

				n.sink(hash, p)
			}
		}
	}
}

func parsePeerAddr(addr string) (tracker.PeerInfo, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return tracker.PeerInfo{}, false
	}

	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if ip == nil || err != nil || port == 0 {
		return tracker.PeerInfo{}, false
	}

	return tracker.PeerInfo{IP: ip, Port: uint16(port)}, true
}

func newDHTNode(sink func(InfoHash, tracker.PeerInfo)) (*dhtNode, error) {
	node, err := dht.New(nil)
	if err != nil {
		return nil, err
	}

	if err := node.Start(); err != nil {
		return nil, err
	}

	n := &dhtNode{node: node, sink: sink}
	go n.drain()

	log.Info().Msg("DHT node started")

	return n, nil
}
