package peer

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_causaltext._tcp"
	Domain      = "local."
	txtReplica  = "replica="
)

// Peer 局域网内发现的另一个副本
type Peer struct {
	Instance string
	Replica  uint64
	Addr     string // host:port
}

// Advertise 在局域网内注册本副本，调用方负责 Shutdown
func Advertise(replica uint64, port int) (*zeroconf.Server, error) {
	instance := fmt.Sprintf("causaltext-%d-%s", replica, uuid.NewString()[:8])
	server, err := zeroconf.Register(instance, ServiceType, Domain, port,
		[]string{txtReplica + strconv.FormatUint(replica, 10)}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Printf("mdns service registered: %s on port %d", instance, port)
	return server, nil
}

// Browse 持续发现其他副本，直到 ctx 结束。自己不会被回调。
func Browse(ctx context.Context, self uint64, found func(Peer)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			p, ok := peerFromEntry(entry)
			if !ok || p.Replica == self {
				continue
			}
			log.Printf("mdns discovered peer: %s replica=%d at %s", p.Instance, p.Replica, p.Addr)
			found(p)
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("browse mdns services: %w", err)
	}
	<-ctx.Done()
	return nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return Peer{}, false
	}
	var replica uint64
	found := false
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, txtReplica); ok {
			r, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Peer{}, false
			}
			replica, found = r, true
		}
	}
	if !found {
		return Peer{}, false
	}
	return Peer{
		Instance: entry.Instance,
		Replica:  replica,
		Addr:     net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)),
	}, true
}
