// ABOUTME: mDNS discovery of the Lyrion Music Server
// ABOUTME: Browses for the server when no address is configured
package discovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_lyrion._tcp"

// ServerInfo describes a discovered LMS instance.
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// Addr returns the host:port form used by the sink client.
func (s *ServerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Manager browses for LMS servers on the local network.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// NewManager creates a discovery manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Browse starts searching for servers.
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop repeatedly queries until stopped.
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				server := &ServerInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}

				log.Printf("Discovered server: %s at %s", server.Name, server.Addr())

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		mdns.Query(params)
		close(entries)
	}
}

// Servers returns the channel of discovered servers.
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops browsing.
func (m *Manager) Stop() {
	m.cancel()
}
