package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(instance string, port int, v4, v6 string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, Service, Domain)
	e.Port = port
	if v4 != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(v4)}
	}
	if v6 != "" {
		e.AddrIPv6 = []net.IP{net.ParseIP(v6)}
	}
	return e
}

func TestEndpointFromEntry(t *testing.T) {
	e, ok := endpointFromEntry(entry("studio", 8080, "192.168.1.5", "fe80::1"))
	require.True(t, ok)
	assert.Equal(t, "192.168.1.5:8080", e.Addr())
	assert.Equal(t, "http://192.168.1.5:8080", e.URL())

	e, ok = endpointFromEntry(entry("studio", 8080, "", "fe80::1"))
	require.True(t, ok)
	assert.Equal(t, "[fe80::1]:8080", e.Addr())

	_, ok = endpointFromEntry(entry("studio", 8080, "", ""))
	assert.False(t, ok)
	_, ok = endpointFromEntry(nil)
	assert.False(t, ok)
}

func TestCollect_DedupesAndStops(t *testing.T) {
	entries := make(chan *zeroconf.ServiceEntry, 8)
	entries <- entry("a", 1, "10.0.0.1", "")
	entries <- entry("a", 1, "10.0.0.1", "")
	entries <- entry("nowhere", 2, "", "")
	entries <- entry("b", 3, "10.0.0.2", "")
	entries <- entry("c", 4, "10.0.0.3", "")
	close(entries)

	var got []string
	collect(context.Background(), entries, func(e Endpoint) bool {
		got = append(got, e.Instance)
		return e.Instance != "b"
	})
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCollect_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	collect(ctx, make(chan *zeroconf.ServiceEntry), func(Endpoint) bool {
		t.Fatal("unexpected entry")
		return false
	})
}
