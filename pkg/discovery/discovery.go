// Package discovery announces room servers on the local network over mDNS and finds them again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_steprooms._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no room server found")

type Endpoint struct {
	Instance string
	Host     string
	Port     int
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL is the base url a client connects to.
func (e Endpoint) URL() string {
	return "http://" + e.Addr()
}

// Advertise registers the server until the returned func is called.
func Advertise(instance string, port int) (func(), error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"proto=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}
	slog.Info("advertising room server", "instance", instance, "service", Service, "port", port)
	return server.Shutdown, nil
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry == nil {
		return Endpoint{}, false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, false
	}
	return Endpoint{Instance: entry.Instance, Host: host, Port: entry.Port}, true
}

// Browse collects servers until ctx is done. Each instance is reported once.
func Browse(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	err := browse(ctx, func(e Endpoint) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// First returns the first server that answers before ctx is done.
func First(ctx context.Context) (Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var found *Endpoint
	if err := browse(ctx, func(e Endpoint) bool {
		found = &e
		cancel()
		return false
	}); err != nil {
		return Endpoint{}, err
	}
	if found == nil {
		return Endpoint{}, ErrNotFound
	}
	return *found, nil
}

func browse(ctx context.Context, visit func(Endpoint) bool) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("failed to initialize resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("failed to browse: %w", err)
	}
	collect(ctx, entries, visit)
	return nil
}

// collect drains entries until the channel closes, ctx is done or visit returns false.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, visit func(Endpoint) bool) {
	seen := make(map[string]bool)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			e, ok := endpointFromEntry(entry)
			if !ok || seen[e.Instance] {
				continue
			}
			seen[e.Instance] = true
			slog.Debug("discovered room server", "instance", e.Instance, "addr", e.Addr())
			if !visit(e) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
