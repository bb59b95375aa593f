// Command securestream-send is the transmitting endpoint: it reads encoded
// access units from stdin as length-prefixed records (the capture pipeline's
// output), establishes a secured session to each peer, and fans the stream
// out — independently keyed per peer, or under a distributed group key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/fanout"
	"github.com/fieldrelay/securestream/internal/bin"
	"github.com/fieldrelay/securestream/internal/defaults"
	"github.com/fieldrelay/securestream/internal/version"
	"github.com/fieldrelay/securestream/keystore"
	"github.com/fieldrelay/securestream/mux/yamux"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/observability/prom"
	"github.com/fieldrelay/securestream/realtime/ws"
	"github.com/fieldrelay/securestream/transport"
	"github.com/fieldrelay/securestream/wire"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	showVersion := false
	peersFlag := envString("SSTREAM_PEERS", "")
	mechanism := envString("SSTREAM_MECHANISM", "ecdh")
	dir := envString("SSTREAM_KEY_DIR", "")
	metricsAddr := envString("SSTREAM_METRICS_LISTEN", "")
	capsFlag := envString("SSTREAM_CAPS", "")
	muxStreams := 0
	idleSeconds := 30

	fs := flag.NewFlagSet("securestream-send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&peersFlag, "peers", peersFlag, "comma-separated peer addresses; ws:// and wss:// URLs tunnel over websocket (env: SSTREAM_PEERS)")
	fs.StringVar(&mechanism, "mechanism", mechanism, "handshake mechanism: ecdh, rsa, or group-psk (env: SSTREAM_MECHANISM)")
	fs.StringVar(&dir, "dir", dir, "keystore directory holding <addr>_pub.pem files (env: SSTREAM_KEY_DIR)")
	fs.StringVar(&metricsAddr, "metrics-listen", metricsAddr, "address to serve Prometheus metrics on; empty disables (env: SSTREAM_METRICS_LISTEN)")
	fs.StringVar(&capsFlag, "caps", capsFlag, "announce video geometry, e.g. 1280x720@30/1 (env: SSTREAM_CAPS)")
	fs.IntVar(&muxStreams, "mux-streams", muxStreams, "with one peer, open this many independent secured streams over a single multiplexed connection")
	fs.IntVar(&idleSeconds, "idle-seconds", idleSeconds, "idle window that keepalive pings must stay under; 0 disables pings")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stderr, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	logger := log.New(stderr, "securestream-send: ", log.LstdFlags)
	peers := splitPeers(peersFlag)
	if len(peers) == 0 {
		logger.Print("no peers given (use --peers)")
		return 2
	}

	cfg := config.Default()
	switch mechanism {
	case "ecdh":
		cfg.Mechanism = handshake.MechanismECDH
	case "rsa":
		cfg.Mechanism = handshake.MechanismRSAOAEP
	case "group-psk":
	default:
		logger.Printf("unrecognized mechanism %q", mechanism)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		logger.Print(err)
		return 2
	}

	var caps *wire.Capabilities
	if capsFlag != "" {
		c, err := parseCaps(capsFlag)
		if err != nil {
			logger.Print(err)
			return 2
		}
		caps = &c
	}

	if mechanism == "rsa" || mechanism == "group-psk" {
		if dir == "" {
			var err error
			dir, err = keystore.DefaultDir()
			if err != nil {
				logger.Print(err)
				return 1
			}
		}
	}

	var sessObs observability.SessionObserver = observability.NoopSessionObserver
	var fanObs observability.FanoutObserver = observability.NoopFanoutObserver
	if metricsAddr != "" {
		reg := prom.NewRegistry()
		sessObs = prom.NewSessionObserver(reg)
		fanObs = prom.NewFanoutObserver(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", prom.Handler(reg))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Printf("metrics listener: %v", err)
			}
		}()
	}

	s := &sender{
		cfg:      cfg,
		dir:      dir,
		logger:   logger,
		caps:     caps,
		ping:     defaults.KeepaliveInterval(int32(idleSeconds)),
		sessObs:  sessObs,
		fanObs:   fanObs,
		rsaWraps: mechanism == "rsa",
	}

	if mechanism == "group-psk" {
		return s.runGroup(stdin, peers)
	}
	return s.runFanout(stdin, peers, muxStreams)
}

type sender struct {
	cfg      config.Config
	dir      string
	logger   *log.Logger
	caps     *wire.Capabilities
	ping     time.Duration
	sessObs  observability.SessionObserver
	fanObs   observability.FanoutObserver
	rsaWraps bool
}

func (s *sender) dial(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ConnectTimeout)
	defer cancel()
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		origin, err := transport.OriginFromWSURL(addr)
		if err != nil {
			return nil, err
		}
		hdr := http.Header{}
		hdr.Set("Origin", origin)
		c, _, err := ws.Dial(ctx, addr, ws.DialOptions{Header: hdr})
		if err != nil {
			return nil, err
		}
		return transport.NewWSStream(c), nil
	}
	return transport.DialTCP(ctx, addr)
}

func (s *sender) peerOptions(addr string) (fanout.PeerOptions, error) {
	po := fanout.PeerOptions{
		Handshake:    handshake.Options{Mechanism: s.cfg.Mechanism, Timeout: s.cfg.HandshakeTimeout},
		PingInterval: s.ping,
		Capabilities: s.caps,
	}
	if s.rsaWraps {
		pub, err := keystore.LoadPublicKey(s.dir, addr)
		if err != nil {
			return po, err
		}
		po.Handshake.PreProvisionedResponderKey = pub
		po.RekeyPublicKey = pub
	}
	return po, nil
}

// runFanout drives independently keyed per-peer sessions, reconnecting
// failed peers in the background.
func (s *sender) runFanout(stdin io.Reader, peers []string, muxStreams int) int {
	var c *fanout.Controller
	connect := func(addr string) error {
		po, err := s.peerOptions(addr)
		if err != nil {
			return err
		}
		conn, err := s.dial(addr)
		if err != nil {
			return err
		}
		return c.AddPeer(context.Background(), addr, conn, po)
	}

	c = fanout.NewController(fanout.ControllerOptions{
		Config:          s.cfg,
		Observer:        s.fanObs,
		SessionObserver: s.sessObs,
		OnPeerDown: func(addr string, err error) {
			s.logger.Printf("peer %s down: %v", addr, err)
			go func() {
				for attempt := 1; attempt <= 5; attempt++ {
					time.Sleep(time.Duration(attempt) * time.Second)
					if rerr := connect(addr); rerr == nil {
						s.logger.Printf("peer %s reconnected", addr)
						return
					}
				}
				s.logger.Printf("peer %s: giving up after 5 reconnect attempts", addr)
			}()
		},
	})
	defer c.Close()

	if muxStreams > 1 && len(peers) == 1 {
		base := peers[0]
		conn, err := s.dial(base)
		if err != nil {
			s.logger.Print(err)
			return 1
		}
		mx, err := yamux.NewClient(conn, nil)
		if err != nil {
			s.logger.Print(err)
			return 1
		}
		defer mx.Close()
		for i := 0; i < muxStreams; i++ {
			stream, err := mx.Open()
			if err != nil {
				s.logger.Print(err)
				return 1
			}
			addr := fmt.Sprintf("%s#%d", base, i)
			po, perr := s.peerOptions(base)
			if perr != nil {
				s.logger.Print(perr)
				return 1
			}
			if err := c.AddPeer(context.Background(), addr, stream, po); err != nil {
				s.logger.Printf("stream %s: %v", addr, err)
			}
		}
	} else {
		for _, addr := range peers {
			if err := connect(addr); err != nil {
				s.logger.Printf("peer %s: %v", addr, err)
			}
		}
	}
	if len(c.Peers()) == 0 {
		s.logger.Print("no peer came up")
		return 1
	}

	err := readUnits(stdin, func(au []byte) error {
		c.Broadcast(au)
		return nil
	})
	if err != nil {
		s.logger.Print(err)
		return 1
	}
	return 0
}

// runGroup distributes one symmetric key to every member and streams under
// it, rotating the key on the configured interval.
func (s *sender) runGroup(stdin io.Reader, addrs []string) int {
	var members []fanout.Member
	conns := map[string]net.Conn{}
	for _, addr := range addrs {
		pub, err := keystore.LoadPublicKey(s.dir, addr)
		if err != nil {
			s.logger.Print(err)
			return 1
		}
		conn, err := s.dial(addr)
		if err != nil {
			s.logger.Printf("member %s: %v", addr, err)
			continue
		}
		defer conn.Close()
		members = append(members, fanout.Member{Addr: addr, Pub: pub, Conn: conn})
		conns[addr] = conn
	}
	if len(members) == 0 {
		s.logger.Print("no member came up")
		return 1
	}

	d := fanout.NewDistributor(s.cfg, s.fanObs)
	key, results, err := d.Distribute(context.Background(), members, 0)
	if err != nil {
		s.logger.Print(err)
		return 1
	}
	for _, r := range results {
		if !r.HasKey {
			s.logger.Printf("member %s has no key: %v", r.Addr, r.Err)
		}
	}
	streamer, err := fanout.NewStreamer(key, results, conns, s.cfg, s.fanObs)
	if err != nil {
		s.logger.Print(err)
		return 1
	}
	defer streamer.Close()

	epoch := uint32(0)
	rekeyTicker := time.NewTicker(s.cfg.RekeyInterval)
	defer rekeyTicker.Stop()

	err = readUnits(stdin, func(au []byte) error {
		select {
		case <-rekeyTicker.C:
			epoch++
			newKey, newResults, derr := d.Distribute(context.Background(), members, epoch)
			if derr != nil {
				return derr
			}
			if rerr := streamer.Rekey(newKey, newResults); rerr != nil {
				return rerr
			}
		default:
		}
		return streamer.Send(au)
	})
	if err != nil {
		s.logger.Print(err)
		return 1
	}
	return 0
}

// readUnits parses [u32 len][bytes] records from the capture pipeline until
// EOF, invoking emit for each.
func readUnits(r io.Reader, emit func([]byte) error) error {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read access unit header: %w", err)
		}
		n := bin.U32BE(hdr[:])
		au := make([]byte, n)
		if _, err := io.ReadFull(r, au); err != nil {
			return fmt.Errorf("read access unit body: %w", err)
		}
		if err := emit(au); err != nil {
			return err
		}
	}
}

func parseCaps(s string) (wire.Capabilities, error) {
	var c wire.Capabilities
	if _, err := fmt.Sscanf(s, "%dx%d@%d/%d", &c.Width, &c.Height, &c.FPSNum, &c.FPSDen); err != nil {
		return c, fmt.Errorf("cannot parse capabilities %q (want WxH@N/D): %w", s, err)
	}
	return c, nil
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
