// Command securestream-recv is the receiving endpoint: it listens for
// inbound connections, completes the handshake (or waits for a group-key
// install), and writes decrypted access units to stdout as length-prefixed
// records for the playback pipeline to consume.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/fanout"
	"github.com/fieldrelay/securestream/internal/bin"
	"github.com/fieldrelay/securestream/internal/version"
	"github.com/fieldrelay/securestream/keystore"
	"github.com/fieldrelay/securestream/mux/yamux"
	"github.com/fieldrelay/securestream/observability"
	"github.com/fieldrelay/securestream/observability/prom"
	"github.com/fieldrelay/securestream/pump"
	"github.com/fieldrelay/securestream/realtime/ws"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/transport"
	"github.com/fieldrelay/securestream/wire"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	listen := envString("SSTREAM_LISTEN", ":7443")
	mechanism := envString("SSTREAM_MECHANISM", "ecdh")
	dir := envString("SSTREAM_KEY_DIR", "")
	metricsAddr := envString("SSTREAM_METRICS_LISTEN", "")
	wsListen := envString("SSTREAM_WS_LISTEN", "")
	wsOrigins := envString("SSTREAM_WS_ORIGINS", "")
	useMux := false
	maxAgeMS := 0

	fs := flag.NewFlagSet("securestream-recv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "address to accept protocol connections on (env: SSTREAM_LISTEN)")
	fs.StringVar(&mechanism, "mechanism", mechanism, "handshake mechanism: ecdh, rsa, or group-psk (env: SSTREAM_MECHANISM)")
	fs.StringVar(&dir, "dir", dir, "keystore directory holding receiver_priv.pem (env: SSTREAM_KEY_DIR)")
	fs.StringVar(&metricsAddr, "metrics-listen", metricsAddr, "address to serve Prometheus metrics on; empty disables (env: SSTREAM_METRICS_LISTEN)")
	fs.StringVar(&wsListen, "ws-listen", wsListen, "additionally accept websocket-tunneled connections on this address; empty disables (env: SSTREAM_WS_LISTEN)")
	fs.StringVar(&wsOrigins, "ws-origins", wsOrigins, "comma-separated Origin allow-list for websocket connections; empty allows none with an Origin header (env: SSTREAM_WS_ORIGINS)")
	fs.BoolVar(&useMux, "mux", false, "multiplex independent secured streams over each connection")
	fs.IntVar(&maxAgeMS, "max-frame-age-ms", maxAgeMS, "drop access units older than this; 0 accepts any age")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	logger := log.New(stderr, "securestream-recv: ", log.LstdFlags)
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		logger.Print(err)
		return 2
	}

	r := &receiver{
		cfg:       cfg,
		logger:    logger,
		out:       stdout,
		mechanism: mechanism,
		maxAge:    time.Duration(maxAgeMS) * time.Millisecond,
		useMux:    useMux,
		sessObs:   observability.NoopSessionObserver,
	}

	switch mechanism {
	case "ecdh":
	case "rsa", "group-psk":
		if dir == "" {
			var err error
			dir, err = keystore.DefaultDir()
			if err != nil {
				logger.Print(err)
				return 1
			}
		}
		priv, err := keystore.LoadPrivateKey(dir)
		if err != nil {
			logger.Print(err)
			return 1
		}
		r.priv = priv
	default:
		logger.Printf("unrecognized mechanism %q", mechanism)
		return 2
	}

	if metricsAddr != "" {
		reg := prom.NewRegistry()
		r.sessObs = prom.NewSessionObserver(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", prom.Handler(reg))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Printf("metrics listener: %v", err)
			}
		}()
	}

	if wsListen != "" {
		var allowed []string
		for _, o := range strings.Split(wsOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowed = append(allowed, o)
			}
		}
		checkOrigin := ws.NewOriginChecker(allowed, true)
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/stream", func(w http.ResponseWriter, req *http.Request) {
				c, err := ws.Upgrade(w, req, ws.UpgraderOptions{CheckOrigin: checkOrigin})
				if err != nil {
					logger.Printf("ws upgrade: %v", err)
					return
				}
				go r.serveConn(transport.NewWSStream(c))
			})
			logger.Printf("websocket listening on %s", wsListen)
			if err := http.ListenAndServe(wsListen, mux); err != nil {
				logger.Printf("ws listener: %v", err)
			}
		}()
	}

	ln, err := transport.ListenTCP(listen)
	if err != nil {
		logger.Print(err)
		return 1
	}
	defer ln.Close()
	logger.Printf("listening on %s (%s)", listen, mechanism)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Printf("accept: %v", err)
			return 1
		}
		go r.serveConn(conn)
	}
}

// receiver holds the accept-side state shared across connections.
type receiver struct {
	cfg       config.Config
	logger    *log.Logger
	mechanism string
	priv      *rsa.PrivateKey
	maxAge    time.Duration
	useMux    bool
	sessObs   observability.SessionObserver

	outMu sync.Mutex
	out   io.Writer
}

// writeUnit emits one decrypted access unit as [u64 sender_ts_ns][u32 len][bytes].
func (r *receiver) writeUnit(au pump.AccessUnit) {
	hdr := make([]byte, 12)
	bin.PutU64BE(hdr[0:8], au.SenderTimestampNS)
	bin.PutU32BE(hdr[8:12], uint32(len(au.Payload)))
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if _, err := r.out.Write(hdr); err != nil {
		return
	}
	_, _ = r.out.Write(au.Payload)
}

func (r *receiver) serveConn(conn net.Conn) {
	defer conn.Close()
	if !r.useMux {
		r.serveStream(conn)
		return
	}
	sess, err := yamux.NewServer(conn, nil)
	if err != nil {
		r.logger.Printf("mux setup: %v", err)
		return
	}
	defer sess.Close()
	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			r.serveStream(stream)
		}()
	}
}

func (r *receiver) serveStream(conn net.Conn) {
	ctx := context.Background()
	var sess *session.Session
	var err error

	switch r.mechanism {
	case "group-psk":
		sess, err = fanout.JoinGroup(ctx, conn, r.priv, r.cfg, r.sessObs)
	default:
		opts := handshake.Options{Timeout: r.cfg.HandshakeTimeout}
		if r.mechanism == "rsa" {
			opts.Mechanism = handshake.MechanismRSAOAEP
			opts.RSAPrivateKey = r.priv
		} else {
			opts.Mechanism = handshake.MechanismECDH
		}
		var res *handshake.Result
		res, err = handshake.Responder(ctx, conn, opts)
		if err == nil {
			sess, err = session.NewFromHandshake(handshake.RoleResponder, res, r.cfg, r.sessObs)
			if err == nil && r.mechanism == "rsa" {
				sess.SetRekeyPrivateKey(r.priv)
			}
		}
	}
	if err != nil {
		r.logger.Printf("session setup from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sess.Close(nil)

	sink := pump.NewQueue[pump.AccessUnit](8)
	defer sink.Close()
	go func() {
		for {
			au, ok := sink.Pop(nil)
			if !ok {
				return
			}
			r.writeUnit(au)
		}
	}()

	w := pump.NewWriter(conn)
	rx := pump.NewRX(sess, conn, w, sink, pump.RXOptions{
		Config:      r.cfg,
		Observer:    r.sessObs,
		MaxFrameAge: r.maxAge,
		OnCapabilities: func(caps wire.Capabilities) {
			r.logger.Printf("peer %s: %dx%d @ %d/%d fps", conn.RemoteAddr(), caps.Width, caps.Height, caps.FPSNum, caps.FPSDen)
		},
	})
	if err := rx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Printf("stream from %s ended: %v", conn.RemoteAddr(), err)
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
