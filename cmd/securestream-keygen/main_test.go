package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fieldrelay/securestream/keystore"
)

func TestKeygenWritesKeystore(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"-dir", dir, "-addr", "10.0.0.9:7443"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}

	var r ready
	if err := json.Unmarshal(out.Bytes(), &r); err != nil {
		t.Fatalf("output not json: %v (%s)", err, out.String())
	}
	if r.PrivateKeyFile == "" || r.PublicKeyFile == "" {
		t.Fatalf("ready report incomplete: %+v", r)
	}

	priv, err := keystore.LoadPrivateKey(dir)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	pub, err := keystore.LoadPublicKey(dir, "10.0.0.9:7443")
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatalf("exported public key does not match private key")
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"-dir", dir}, &out, &errOut); code != 0 {
		t.Fatalf("first run: exit code = %d", code)
	}
	if code := run([]string{"-dir", dir}, &out, &errOut); code != 2 {
		t.Fatalf("second run: exit code = %d, want 2", code)
	}
	if code := run([]string{"-dir", dir, "-overwrite"}, &out, &errOut); code != 0 {
		t.Fatalf("overwrite run: exit code = %d", code)
	}
}

func TestKeygenRejectsWeakModulus(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"-dir", dir, "-bits", "1024"}, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
