package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"airsend/wire"
)

const (
	// MDNSService is the mDNS service identifier for the auxiliary channel.
	MDNSService = "_airsend._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// mdnsBrowseInterval is the background browse cadence.
	mdnsBrowseInterval = 10 * time.Second
	// mdnsBrowseTimeout bounds each browse window.
	mdnsBrowseTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNS is the optional mDNS discovery channel. It advertises the local
// device as an _airsend._tcp service and browses for others, feeding the
// same peer callback as the UDP channel. Purely an optimization: the UDP
// protocol remains the compatibility surface.
type MDNS struct {
	cfg Config

	server *zeroconf.Server
	browse browseFunc

	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// StartMDNS registers the local service and starts the browse loop.
func StartMDNS(config Config) (*MDNS, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"fingerprint=" + cfg.Fingerprint,
		"version=" + wire.ProtocolVersion,
		"protocol=" + cfg.Protocol,
		"download=" + strconv.FormatBool(cfg.Download),
		"deviceModel=" + cfg.DeviceModel,
		"deviceType=" + cfg.DeviceType,
	}
	server, err := zeroconf.Register(cfg.Alias, MDNSService, MDNSDomain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		cfg:    cfg,
		server: server,
		browse: resolver.Browse,
		ctx:    ctx,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.browseLoop()
	return m, nil
}

// Stop unregisters the service and ends browsing. Idempotent.
func (m *MDNS) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.server.Shutdown()
		m.wg.Wait()
	})
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	m.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runBrowse()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MDNS) runBrowse() {
	browseCtx, cancel := context.WithTimeout(m.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if entry == nil {
				continue
			}
			m.handleEntry(entry)
		}
	}()

	if err := m.browse(browseCtx, MDNSService, MDNSDomain, entries); err != nil {
		m.cfg.Logger.Warn("discovery: mDNS browse failed", "error", err)
		return
	}
	<-browseCtx.Done()
	<-done
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	txt := txtToMap(entry.Text)

	fingerprint := txt["fingerprint"]
	if fingerprint == "" || fingerprint == m.cfg.Fingerprint {
		return
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		if addr != nil {
			ip = addr.String()
			break
		}
	}
	if ip == "" {
		return
	}

	peer := wire.PeerFromAnnouncement(wire.Announcement{
		Alias:       strings.TrimSpace(entry.Instance),
		Version:     txt["version"],
		DeviceModel: txt["deviceModel"],
		DeviceType:  txt["deviceType"],
		Fingerprint: fingerprint,
		Port:        entry.Port,
		Protocol:    txt["protocol"],
		Download:    txt["download"] == "true",
	}, ip)

	m.cfg.Logger.Debug("discovery: mDNS peer seen", "alias", peer.Alias, "ip", peer.IP)
	if m.cfg.OnPeer != nil {
		m.cfg.OnPeer(peer)
	}
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
