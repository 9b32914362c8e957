// Package discovery announces the engine host on the local network over mDNS.
package discovery

import (
	"fmt"
	"net"

	"github.com/pion/mdns/v2"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Announcer answers mDNS queries for the configured local name
type Announcer struct {
	conn   *mdns.Conn
	logger *zap.Logger
}

// StartMDNSServer listens on the mDNS multicast groups and answers for localName
func StartMDNSServer(localName string, logger *zap.Logger) (*Announcer, error) {
	logger = logger.With(zap.String("component", "mdns"))

	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolve udp4 address: %w", err)
	}
	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		return nil, fmt.Errorf("resolve udp6 address: %w", err)
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listen udp4: %w", err)
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		// IPv4 alone is enough on hosts without IPv6 multicast
		logger.Warn("MDNS: IPv6 listener unavailable", zap.Error(err))
		l6 = nil
	}

	var pc6 *ipv6.PacketConn
	if l6 != nil {
		pc6 = ipv6.NewPacketConn(l6)
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l4), pc6, &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		l4.Close()
		if l6 != nil {
			l6.Close()
		}
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	logger.Info("MDNS: Announcing", zap.String("name", localName))
	return &Announcer{conn: conn, logger: logger}, nil
}

// Close stops answering queries
func (a *Announcer) Close() error {
	a.logger.Info("MDNS: Stopped")
	return a.conn.Close()
}
