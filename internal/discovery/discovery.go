// Package discovery advertises a running server over mDNS and finds
// servers on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	Service = "_outlineserver._tcp"
	Domain  = "local."
)

// Advertisement is a live mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// InstanceName is the default instance name for this host.
func InstanceName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s", "outlineserver", host)
}

// Advertise registers the server listening on port.
func Advertise(instance string, port int, version string) (*Advertisement, error) {
	if instance == "" {
		instance = InstanceName()
	}
	server, err := zeroconf.Register(
		instance,
		Service,
		Domain,
		port,
		[]string{"txtv=0", "version=" + version, "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	glog.Infof("[discovery]registered %s %s on port %d\n", instance, Service, port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
	glog.Infof("[discovery]unregistered\n")
}

// Peer is one server found on the network.
type Peer struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addrs"`
	Text     []string `json:"text"`
}

// URL is the websocket address of the peer.
func (p Peer) URL() string {
	host := strings.TrimSuffix(p.Host, ".")
	if 0 < len(p.Addrs) {
		host = p.Addrs[0]
	}
	path := "/ws"
	for _, kv := range p.Text {
		if value, ok := strings.CutPrefix(kv, "path="); ok && value != "" {
			path = value
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(p.Port)) + path
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Addrs:    []string{},
		Text:     entry.Text,
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	return p
}

// Browse collects peers until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Peer)
	go func(results <-chan *zeroconf.ServiceEntry) {
		peers := []Peer{}
		for {
			select {
			case entry, ok := <-results:
				if !ok {
					done <- peers
					return
				}
				glog.V(1).Infof("[discovery]found %s at %s:%d\n", entry.Instance, entry.HostName, entry.Port)
				peers = append(peers, peerFromEntry(entry))
			case <-ctx.Done():
				done <- peers
				return
			}
		}
	}(entries)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browsing for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-done, nil
}
