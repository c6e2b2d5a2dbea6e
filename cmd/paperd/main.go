// cmd/paperd/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/internal/store"
	"github.com/xtoazt/paper-sub000/pkg/bus"
	"github.com/xtoazt/paper-sub000/pkg/consensus"
	"github.com/xtoazt/paper-sub000/pkg/dht"
	"github.com/xtoazt/paper-sub000/pkg/discovery"
	"github.com/xtoazt/paper-sub000/pkg/gateway"
	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/network"
	"github.com/xtoazt/paper-sub000/pkg/onion"
	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/resolve"
	"github.com/xtoazt/paper-sub000/pkg/tor"
	"github.com/xtoazt/paper-sub000/pkg/tunnel"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

const cleanupInterval = 60 * time.Second

func main() {
	var (
		port       = flag.Int("port", 4001, "peer listen port")
		httpAddr   = flag.String("http", "127.0.0.1:8080", "gateway listen address")
		dataDir    = flag.String("data", defaultDataDir(), "data directory")
		seedsFlag  = flag.String("seeds", "", "comma-separated static seeds (pubkeyhex@host:port)")
		bridges    = flag.String("bridges", "", "comma-separated websocket bridge URLs")
		remoteGW   = flag.String("gateway", "", "remote gateway URL used as a fallback resolve source")
		enableMDNS = flag.Bool("mdns", true, "announce and browse on the local network")
		enableTor  = flag.Bool("tor", false, "run peer links over an embedded Tor hidden service")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, options{
		port:       *port,
		httpAddr:   *httpAddr,
		dataDir:    *dataDir,
		seeds:      splitList(*seedsFlag),
		bridges:    splitList(*bridges),
		remoteGW:   *remoteGW,
		enableMDNS: *enableMDNS,
		enableTor:  *enableTor,
	}); err != nil {
		log.WithError(err).Fatal("paperd failed")
	}
}

type options struct {
	port       int
	httpAddr   string
	dataDir    string
	seeds      []string
	bridges    []string
	remoteGW   string
	enableMDNS bool
	enableTor  bool
}

func run(ctx context.Context, log *logrus.Logger, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys, err := keystore.New(filepath.Join(opts.dataDir, "keys"))
	if err != nil {
		return err
	}
	nodeKeys, err := keys.Obtain("node")
	if err != nil {
		return err
	}

	transportCfg := &network.Config{
		Port:       opts.port,
		PublicKey:  nodeKeys.PublicKey,
		PrivateKey: nodeKeys.PrivateKey,
		Logger:     log,
	}

	var torMgr *tor.Manager
	if opts.enableTor {
		torMgr, err = tor.Start(ctx, opts.port, log)
		if err != nil {
			return err
		}
		defer torMgr.Stop()
		dialer, err := torMgr.Dialer()
		if err != nil {
			return err
		}
		transportCfg.Dialer = dialer
	}

	transport := network.NewTransport(transportCfg)
	if err := transport.Listen(); err != nil {
		return err
	}
	defer transport.Close()

	self := types.NewNode(nodeKeys.PublicKey, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: transport.Port()})
	log.Infof("node %s up on port %d", self.ShortID(), transport.Port())

	// Key/value plane: routing table, lookup handler, replicating client.
	local := store.NewLocal()
	routing := dht.NewDHT(self, transport, log)
	transport.ServeDHT(dht.NewMessageHandler(routing, local))
	kv := dht.NewClient(routing, transport, local, log)

	names := pkarr.NewResolver(keys, kv, log)
	var sources []resolve.Source
	if opts.remoteGW != "" {
		sources = append(sources, resolve.NewHTTPSource(opts.remoteGW))
	}
	router := resolve.NewDHTResolver(keys, names, kv, log, sources...)

	// Bus plane: local fan-out bridged to other nodes over websockets.
	memBus := bus.NewMemory()
	bridge := bus.NewBridge(memBus, log)
	defer bridge.Close()
	for _, url := range opts.bridges {
		if err := bridge.Dial(ctx, url); err != nil {
			log.WithError(err).Warnf("bridge dial %s failed", url)
		}
	}

	registry := consensus.NewRegistry(consensus.Config{
		Names:  names,
		Router: router,
		Bus:    memBus,
		Keys:   keys,
		Logger: log,
	})
	registry.Start()
	defer registry.Stop()

	// Peer plane: seeds, mDNS, and live links all feed one scored registry.
	peers := discovery.NewRegistry(nil)
	if len(opts.seeds) > 0 {
		added, err := peers.AddSeeds(opts.seeds)
		if err != nil {
			log.WithError(err).Warn("some seeds were skipped")
		}
		log.Infof("loaded %d static seeds", added)
	}
	if opts.enableMDNS {
		mdns := discovery.NewMDNS(self, transport.Port(), peers, log)
		if err := mdns.Start(); err != nil {
			log.WithError(err).Warn("mdns disabled")
		} else {
			defer mdns.Stop()
		}
	}
	transport.OnPeerIdentified(func(n *types.Node) {
		routing.RoutingTable().AddNode(n)
		peers.Add(n)
	})

	var seedNodes []*types.Node
	for _, p := range peers.All() {
		seedNodes = append(seedNodes, p.Node)
	}
	routing.Bootstrap(ctx, seedNodes)

	// Tunnel plane: this node relays for others and keeps its own pool.
	relay := onion.NewRelay(transport, resolveExit(registry), nil, log)
	transport.ServeOnion(relay)
	builder := onion.NewBuilder(transport, nil, log)
	pool := tunnel.NewPool(tunnel.Config{
		Builder: builder,
		Peers:   peers,
		Logger:  log,
	})
	pool.Start(ctx)
	defer pool.Stop(context.Background())

	go cleanupLoop(ctx, builder, relay)

	gw := gateway.NewServer(gateway.Config{
		Addr:     opts.httpAddr,
		Registry: registry,
		Tunnels:  pool,
		Bridge:   bridge,
		Peers:    peers,
		Logger:   log,
	})
	go func() {
		if err := gw.Start(); err != nil {
			log.WithError(err).Error("gateway stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

// resolveExit is what circuits terminate in at this node: the payload is a
// name, the reply its consensus record. A peer resolving through a tunnel
// never reveals which name it wanted to anyone but the exit.
func resolveExit(registry *consensus.Registry) onion.ExitHandler {
	return func(circuitID string, payload []byte) ([]byte, error) {
		name := strings.TrimSpace(string(payload))
		if !pkarr.ValidName(name) {
			return json.Marshal(map[string]string{"error": "not a resolvable name"})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result, err := registry.ResolveGlobal(ctx, name)
		if err != nil {
			return json.Marshal(map[string]string{"error": "not found"})
		}
		return json.Marshal(result.WinningRecord)
	}
}

func cleanupLoop(ctx context.Context, builder *onion.Builder, relay *onion.Relay) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			builder.CleanupOldCircuits(ctx, 0)
			relay.CleanupOldRoutes(0)
		case <-ctx.Done():
			return
		}
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".paper"
	}
	return filepath.Join(home, ".paper")
}
