package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_slate._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// Peer is a whiteboard server found on the local network.
type Peer struct {
	Instance string
	Address  string
	Metadata map[string]string
	LastSeen time.Time
}

// MDNSAdvertiser announces this server on the local network via mDNS/DNS-SD
// so clients on the same LAN can find boards without typing addresses.
type MDNSAdvertiser struct {
	logger *slog.Logger
}

// NewMDNSAdvertiser creates a new MDNSAdvertiser.
func NewMDNSAdvertiser(logger *slog.Logger) *MDNSAdvertiser {
	return &MDNSAdvertiser{logger: logger}
}

// Advertise registers this instance as a slate server on the local network.
// This method blocks until ctx is cancelled. Call it in a goroutine.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for other slate servers on the local network.
func (a *MDNSAdvertiser) Scan(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var peers []Peer
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			peer := entryToPeer(entry)
			mu.Lock()
			peers = append(peers, peer)
			mu.Unlock()
			a.logger.Debug("mdns discovered peer", "instance", peer.Instance, "address", peer.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// Wait for the scan timeout to complete, then wait for the consumer
	// goroutine to finish processing all entries.
	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]Peer, len(peers))
	copy(result, peers)
	mu.Unlock()

	return result, nil
}

func entryToPeer(entry *zeroconf.ServiceEntry) Peer {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	return Peer{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Metadata: parseTXTRecords(entry.Text),
		LastSeen: time.Now(),
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
