// Package tor runs an optional embedded Tor instance so peer links can ride
// a hidden service instead of the open internet. The transport takes the
// SOCKS5 dialer; everything else is unchanged.
package tor

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	socksWait   = 30 * time.Second
	socksProbe  = 500 * time.Millisecond
	onionSuffix = ".onion"
)

// Manager owns the embedded Tor process and its hidden-service listener.
type Manager struct {
	instance  *tor.Tor
	service   *tor.OnionService
	socksPort int
	dataDir   string
	log       *logrus.Entry
}

// Start launches Tor with a temporary data directory, waits for its SOCKS5
// proxy, and publishes a v3 hidden service forwarding to listenPort.
func Start(ctx context.Context, listenPort int, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "tor")

	socksPort, err := freePort()
	if err != nil {
		return nil, err
	}
	dataDir, err := os.MkdirTemp("", "paper-tor-*")
	if err != nil {
		return nil, fmt.Errorf("tor: create data dir: %w", err)
	}

	log.Info("starting embedded tor")
	instance, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dataDir,
		ExtraArgs: []string{"--SocksPort", fmt.Sprintf("%d", socksPort)},
	})
	if err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("tor: start: %w", err)
	}

	m := &Manager{
		instance:  instance,
		socksPort: socksPort,
		dataDir:   dataDir,
		log:       log,
	}

	if err := instance.EnableNetwork(ctx, true); err != nil {
		m.Stop()
		return nil, fmt.Errorf("tor: enable network: %w", err)
	}
	if !waitForSocks(ctx, m.socksAddr()) {
		m.Stop()
		return nil, fmt.Errorf("tor: SOCKS5 proxy never came up on %s", m.socksAddr())
	}

	service, err := instance.Listen(ctx, &tor.ListenConf{
		LocalPort:   listenPort,
		RemotePorts: []int{listenPort},
		Version3:    true,
	})
	if err != nil {
		m.Stop()
		return nil, fmt.Errorf("tor: hidden service: %w", err)
	}
	m.service = service

	log.Infof("hidden service up at %s", m.OnionAddress())
	return m, nil
}

// OnionAddress returns the hidden service hostname.
func (m *Manager) OnionAddress() string {
	if m.service == nil {
		return ""
	}
	return m.service.ID + onionSuffix
}

// Dialer returns a SOCKS5 dialer routing through this Tor instance; it
// plugs straight into the network transport's config.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	return proxy.SOCKS5("tcp", m.socksAddr(), nil, proxy.Direct)
}

// Stop shuts Tor down and removes its data directory.
func (m *Manager) Stop() error {
	var err error
	if m.instance != nil {
		err = m.instance.Close()
		m.instance = nil
	}
	if m.dataDir != "" {
		os.RemoveAll(m.dataDir)
		m.dataDir = ""
	}
	m.log.Info("tor stopped")
	return err
}

func (m *Manager) socksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", m.socksPort)
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocks(ctx context.Context, addr string) bool {
	deadline := time.Now().Add(socksWait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		conn, err := net.DialTimeout("tcp", addr, socksProbe)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(socksProbe)
	}
	return false
}
