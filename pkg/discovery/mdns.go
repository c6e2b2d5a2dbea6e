// pkg/discovery/mdns.go
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

const (
	serviceType = "_paper._tcp"
	mdnsDomain  = "local."

	browseWindow  = 5 * time.Second
	browsePause   = 5 * time.Second
	staleAfter    = DefaultPeerMaxAge
	txtPublicKey  = "pk"
	txtVersionKey = "version"
)

// MDNS announces this node on the local network and keeps browsing for
// others. Instance names are the node's base58 ID, so self-entries are
// recognizable without address bookkeeping; peer keys travel in the TXT
// record.
type MDNS struct {
	self     *types.Node
	port     int
	registry *Registry
	log      *logrus.Entry

	server *zeroconf.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMDNS(self *types.Node, port int, registry *Registry, logger *logrus.Logger) *MDNS {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MDNS{
		self:     self,
		port:     port,
		registry: registry,
		log:      logger.WithField("component", "discovery"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the announcement and launches the browse loop.
func (m *MDNS) Start() error {
	server, err := zeroconf.Register(
		m.self.ShortID(),
		serviceType,
		mdnsDomain,
		m.port,
		[]string{
			fmt.Sprintf("%s=%s", txtPublicKey, hex.EncodeToString(m.self.PublicKey)),
			fmt.Sprintf("%s=0.1.0", txtVersionKey),
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("discovery: mdns register: %w", err)
	}
	m.server = server
	m.log.Infof("announcing %s on %s port %d", m.self.ShortID(), serviceType, m.port)

	go m.browseLoop()
	return nil
}

// Stop ends the announcement and the browse loop.
func (m *MDNS) Stop() {
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

func (m *MDNS) browseLoop() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		m.log.WithError(err).Error("mdns resolver unavailable, discovery limited to seeds")
		return
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *zeroconf.ServiceEntry, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				m.ingest(entry)
			}
		}()

		browseCtx, cancel := context.WithTimeout(m.ctx, browseWindow)
		if err := resolver.Browse(browseCtx, serviceType, mdnsDomain, entries); err != nil {
			// Browse never took ownership of the channel, so the drain
			// goroutine must be released here.
			m.log.WithError(err).Debug("mdns browse failed")
			close(entries)
		}
		<-done
		cancel()

		m.registry.Cleanup(staleAfter)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(browsePause):
		}
	}
}

// ingest turns one browse entry into a registry peer. Entries without a
// usable address or public key are dropped; our own announcement is skipped
// by instance name.
func (m *MDNS) ingest(entry *zeroconf.ServiceEntry) {
	if entry == nil || entry.Instance == m.self.ShortID() {
		return
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return
	}

	pk, err := hex.DecodeString(txtValue(entry.Text, txtPublicKey))
	if err != nil || len(pk) != 32 {
		m.log.Debugf("mdns entry %s carries no usable key", entry.Instance)
		return
	}

	node := types.NewNode(pk, &net.TCPAddr{IP: ip, Port: entry.Port})
	if node.ShortID() != entry.Instance {
		m.log.Warnf("mdns entry %s does not match its own key, skipping", entry.Instance)
		return
	}

	m.registry.Add(node)
	m.log.Debugf("discovered peer %s at %s:%d", entry.Instance, ip, entry.Port)
}

func txtValue(records []string, key string) string {
	prefix := key + "="
	for _, record := range records {
		if strings.HasPrefix(record, prefix) {
			return record[len(prefix):]
		}
	}
	return ""
}
