// Package observability defines the metric surfaces the session, pump, and
// fan-out layers emit to, independent of any particular backend.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// RekeyResult classifies how a rekey attempt ended.
type RekeyResult string

const (
	RekeyResultOK      RekeyResult = "ok"
	RekeyResultTimeout RekeyResult = "timeout"
	RekeyResultCrypto  RekeyResult = "crypto_error"
)

// FrameDropReason classifies why an inbound DATA frame never reached the RX sink.
type FrameDropReason string

const (
	FrameDropAuthFail     FrameDropReason = "auth_fail"
	FrameDropReplay       FrameDropReason = "replay"
	FrameDropQueueFull    FrameDropReason = "queue_full"
	FrameDropMalformed    FrameDropReason = "malformed"
)

// PeerCloseReason classifies why a fan-out/mesh peer connection ended.
type PeerCloseReason string

const (
	PeerCloseLocal         PeerCloseReason = "local"
	PeerClosePeer          PeerCloseReason = "peer_closed"
	PeerCloseHandshakeFail PeerCloseReason = "handshake_fail"
	PeerCloseRekeyFail     PeerCloseReason = "rekey_fail"
	PeerCloseTransport     PeerCloseReason = "transport_error"
)

// SessionObserver receives metric events from a single peer-to-peer session:
// the handshake, the AEAD data path, and the rekey state machine.
type SessionObserver interface {
	HandshakeCompleted(mechanism string, d time.Duration)
	HandshakeFailed(mechanism string)
	FrameEncrypted(n int)
	FrameDecrypted(n int)
	FrameDropped(reason FrameDropReason)
	RekeyStarted(mechanism string)
	RekeyCompleted(result RekeyResult, d time.Duration)
	Epoch(n uint32)
}

// FanoutObserver receives metric events from the mesh/fan-out controller,
// which runs many sessions concurrently, one per peer.
type FanoutObserver interface {
	PeerCount(n int)
	PeerClosed(reason PeerCloseReason)
	GroupRekeyCompleted(memberCount, failedCount int, d time.Duration)
}

type noopSessionObserver struct{}

func (noopSessionObserver) HandshakeCompleted(string, time.Duration) {}
func (noopSessionObserver) HandshakeFailed(string)                   {}
func (noopSessionObserver) FrameEncrypted(int)                       {}
func (noopSessionObserver) FrameDecrypted(int)                       {}
func (noopSessionObserver) FrameDropped(FrameDropReason)             {}
func (noopSessionObserver) RekeyStarted(string)                      {}
func (noopSessionObserver) RekeyCompleted(RekeyResult, time.Duration) {}
func (noopSessionObserver) Epoch(uint32)                             {}

type noopFanoutObserver struct{}

func (noopFanoutObserver) PeerCount(int)                            {}
func (noopFanoutObserver) PeerClosed(PeerCloseReason)                {}
func (noopFanoutObserver) GroupRekeyCompleted(int, int, time.Duration) {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopFanoutObserver is a zero-cost observer used when metrics are disabled.
var NoopFanoutObserver FanoutObserver = noopFanoutObserver{}

// AtomicSessionObserver swaps its delegate at runtime, so a session can start
// with the no-op observer and have a real one attached once the caller wires
// up metrics collection.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct {
	obs SessionObserver
}

// NewAtomicSessionObserver returns an initialized atomic observer.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) HandshakeCompleted(mechanism string, d time.Duration) {
	a.load().HandshakeCompleted(mechanism, d)
}
func (a *AtomicSessionObserver) HandshakeFailed(mechanism string) { a.load().HandshakeFailed(mechanism) }
func (a *AtomicSessionObserver) FrameEncrypted(n int)             { a.load().FrameEncrypted(n) }
func (a *AtomicSessionObserver) FrameDecrypted(n int)             { a.load().FrameDecrypted(n) }
func (a *AtomicSessionObserver) FrameDropped(reason FrameDropReason) {
	a.load().FrameDropped(reason)
}
func (a *AtomicSessionObserver) RekeyStarted(mechanism string) { a.load().RekeyStarted(mechanism) }
func (a *AtomicSessionObserver) RekeyCompleted(result RekeyResult, d time.Duration) {
	a.load().RekeyCompleted(result, d)
}
func (a *AtomicSessionObserver) Epoch(n uint32) { a.load().Epoch(n) }

// AtomicFanoutObserver swaps its delegate at runtime.
type AtomicFanoutObserver struct {
	once sync.Once
	v    atomic.Value
}

type fanoutObserverHolder struct {
	obs FanoutObserver
}

// NewAtomicFanoutObserver returns an initialized atomic observer.
func NewAtomicFanoutObserver() *AtomicFanoutObserver {
	a := &AtomicFanoutObserver{}
	a.once.Do(func() { a.v.Store(&fanoutObserverHolder{obs: NoopFanoutObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicFanoutObserver) Set(obs FanoutObserver) {
	if obs == nil {
		obs = NoopFanoutObserver
	}
	a.once.Do(func() { a.v.Store(&fanoutObserverHolder{obs: NoopFanoutObserver}) })
	a.v.Store(&fanoutObserverHolder{obs: obs})
}

func (a *AtomicFanoutObserver) load() FanoutObserver {
	a.once.Do(func() { a.v.Store(&fanoutObserverHolder{obs: NoopFanoutObserver}) })
	return a.v.Load().(*fanoutObserverHolder).obs
}

func (a *AtomicFanoutObserver) PeerCount(n int) { a.load().PeerCount(n) }
func (a *AtomicFanoutObserver) PeerClosed(reason PeerCloseReason) { a.load().PeerClosed(reason) }
func (a *AtomicFanoutObserver) GroupRekeyCompleted(memberCount, failedCount int, d time.Duration) {
	a.load().GroupRekeyCompleted(memberCount, failedCount, d)
}
