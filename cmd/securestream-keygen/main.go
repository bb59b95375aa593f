// Command securestream-keygen generates the RSA keypair a receiver (or group
// member) presents for RSA-OAEP handshakes and group-key distribution, and
// stores it in the PEM keystore layout the other tools read.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/internal/version"
	"github.com/fieldrelay/securestream/keystore"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type ready struct {
	Version        string `json:"version"`
	PrivateKeyFile string `json:"private_key_file"`
	PublicKeyFile  string `json:"public_key_file,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	showVersion := false
	dir := envString("SSTREAM_KEY_DIR", "")
	addr := envString("SSTREAM_ADDR", "")
	bits := 2048
	overwrite := false

	fs := flag.NewFlagSet("securestream-keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&dir, "dir", dir, "keystore directory (default: user config dir) (env: SSTREAM_KEY_DIR)")
	fs.StringVar(&addr, "addr", addr, "also export the public key under this peer address (env: SSTREAM_ADDR)")
	fs.IntVar(&bits, "bits", bits, "RSA modulus size (2048 or 3072)")
	fs.BoolVar(&overwrite, "overwrite", false, "overwrite an existing private key")
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

	if dir == "" {
		var err error
		dir, err = keystore.DefaultDir()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	privPath := keystore.PrivateKeyPath(dir)
	if !overwrite {
		if _, err := os.Stat(privPath); err == nil {
			fmt.Fprintf(stderr, "refusing to overwrite existing file: %s (use --overwrite)\n", privPath)
			return 2
		}
	}

	priv, err := handshake.GenerateRSAKeypair(bits)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := keystore.SavePrivateKey(dir, priv); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := ready{
		Version:        version.String(buildVersion, buildCommit, buildDate),
		PrivateKeyFile: privPath,
	}
	if addr = strings.TrimSpace(addr); addr != "" {
		if err := keystore.SavePublicKey(dir, addr, &priv.PublicKey); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		out.PublicKeyFile = keystore.PublicKeyPath(dir, addr)
	}
	_ = json.NewEncoder(stdout).Encode(out)
	return 0
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
