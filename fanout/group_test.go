package fanout

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/fieldrelay/securestream/config"
	"github.com/fieldrelay/securestream/crypto/handshake"
	"github.com/fieldrelay/securestream/session"
	"github.com/fieldrelay/securestream/wire"
)

// groupMemberEnd drives the member half of a distribution test: JoinGroup,
// then a read loop that decrypts DATA and handles follow-up REKEY frames.
type groupMemberEnd struct {
	addr string
	conn net.Conn
	priv *rsa.PrivateKey
	sess *session.Session
	join chan error
	recv chan []byte
}

func startGroupMemberEnd(t *testing.T, addr string, conn net.Conn, cfg config.Config) *groupMemberEnd {
	t.Helper()
	priv, err := handshake.GenerateRSAKeypair(2048)
	if err != nil {
		t.Fatalf("GenerateRSAKeypair: %v", err)
	}
	m := &groupMemberEnd{
		addr: addr,
		conn: conn,
		priv: priv,
		join: make(chan error, 1),
		recv: make(chan []byte, 16),
	}
	go func() {
		sess, err := JoinGroup(context.Background(), conn, priv, cfg, nil)
		m.sess = sess
		m.join <- err
		if err != nil {
			return
		}
		for {
			f, rerr := wire.Read(conn, 0)
			if rerr != nil {
				return
			}
			switch f.Type {
			case wire.TypeData:
				pt, derr := sess.DecryptData(f.Sequence, f.Payload, f.PlaintextLengthHint)
				if derr == nil {
					m.recv <- pt
				}
			case wire.TypeRekey:
				ack, herr := sess.HandleRekeyFrame(f)
				if herr == nil {
					_ = wire.Write(conn, ack)
				}
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		if m.sess != nil {
			m.sess.Close(nil)
		}
	})
	return m
}

func (m *groupMemberEnd) expect(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-m.recv:
		if !bytes.Equal(got, want) {
			t.Fatalf("member %s received %q, want %q", m.addr, got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("member %s: no plaintext within deadline", m.addr)
	}
}

func TestGroupDistributionWithOneFailingMember(t *testing.T) {
	cfg := config.Config{AckTimeout: time.Second}

	var members []Member
	ends := map[string]*groupMemberEnd{}
	conns := map[string]net.Conn{}
	for i := 0; i < 3; i++ {
		addr := fmt.Sprintf("member-%d", i)
		leaderSide, memberSide := net.Pipe()
		end := startGroupMemberEnd(t, addr, memberSide, cfg)
		members = append(members, Member{Addr: addr, Pub: &end.priv.PublicKey, Conn: leaderSide})
		ends[addr] = end
		conns[addr] = leaderSide
	}

	// Member 1's socket dies before the wrap is delivered.
	conns["member-1"].Close()
	ends["member-1"].conn.Close()

	d := NewDistributor(cfg, nil)
	key, results, err := d.Distribute(context.Background(), members, 0)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	for _, r := range results {
		wantKey := r.Addr != "member-1"
		if r.HasKey != wantKey {
			t.Fatalf("member %s HasKey = %v, want %v (err=%v)", r.Addr, r.HasKey, wantKey, r.Err)
		}
	}
	for _, addr := range []string{"member-0", "member-2"} {
		if jerr := <-ends[addr].join; jerr != nil {
			t.Fatalf("member %s JoinGroup: %v", addr, jerr)
		}
	}

	// The leader keeps streaming to the members that acknowledged.
	s, err := NewStreamer(key, results, conns, cfg, nil)
	if err != nil {
		t.Fatalf("NewStreamer: %v", err)
	}
	defer s.Close()
	if m := s.Members(); m["member-1"] {
		t.Fatalf("member-1 should not hold the key")
	}

	for i := 0; i < 2; i++ {
		au := []byte(fmt.Sprintf("group-au-%d", i))
		if err := s.Send(au); err != nil {
			t.Fatalf("Send: %v", err)
		}
		for _, addr := range []string{"member-0", "member-2"} {
			ends[addr].expect(t, au)
		}
	}
}

func TestGroupRedistributionAfterMemberRemoval(t *testing.T) {
	cfg := config.Config{AckTimeout: time.Second}

	var members []Member
	ends := map[string]*groupMemberEnd{}
	conns := map[string]net.Conn{}
	for i := 0; i < 2; i++ {
		addr := fmt.Sprintf("member-%d", i)
		leaderSide, memberSide := net.Pipe()
		end := startGroupMemberEnd(t, addr, memberSide, cfg)
		members = append(members, Member{Addr: addr, Pub: &end.priv.PublicKey, Conn: leaderSide})
		ends[addr] = end
		conns[addr] = leaderSide
	}

	d := NewDistributor(cfg, nil)
	key, results, err := d.Distribute(context.Background(), members, 0)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	for _, addr := range []string{"member-0", "member-1"} {
		if jerr := <-ends[addr].join; jerr != nil {
			t.Fatalf("member %s JoinGroup: %v", addr, jerr)
		}
	}
	s, err := NewStreamer(key, results, conns, cfg, nil)
	if err != nil {
		t.Fatalf("NewStreamer: %v", err)
	}
	defer s.Close()

	if err := s.Send([]byte("epoch0-au")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ends["member-0"].expect(t, []byte("epoch0-au"))
	ends["member-1"].expect(t, []byte("epoch0-au"))

	// Member 1 leaves; a fresh key goes to the remaining member and the
	// streamer swaps to it.
	remaining := members[:1]
	key2, results2, err := d.Distribute(context.Background(), remaining, 1)
	if err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	if !results2[0].HasKey {
		t.Fatalf("member-0 redistribution failed: %v", results2[0].Err)
	}
	if key2.Equal(key) {
		t.Fatalf("redistribution reused the old group key")
	}
	if err := s.Rekey(key2, results2); err != nil {
		t.Fatalf("Rekey: %v", err)
	}

	if err := s.Send([]byte("epoch1-au")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ends["member-0"].expect(t, []byte("epoch1-au"))
}
