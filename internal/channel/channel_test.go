package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory Transport driven by the test: inbound
// frames are pushed, outbound frames and pings are captured.
type fakeTransport struct {
	inbound chan []byte
	writes  chan []byte
	pings   chan struct{}

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
		pings:   make(chan struct{}, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.writes <- data
	return nil
}

func (t *fakeTransport) Ping() error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.pings <- struct{}{}
	return nil
}

func (t *fakeTransport) OnPong(func()) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) push(tb testing.TB, msg map[string]any) {
	tb.Helper()
	data, err := json.Marshal(msg)
	require.NoError(tb, err)
	t.inbound <- data
}

func (t *fakeTransport) nextWrite(tb testing.TB) map[string]any {
	tb.Helper()
	select {
	case data := <-t.writes:
		var out map[string]any
		require.NoError(tb, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		tb.Fatal("no outbound frame")
		return nil
	}
}

func waitState(tb testing.TB, states chan State, want State) {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-states:
			if got == want {
				return
			}
		case <-deadline:
			tb.Fatalf("state %s never reached", want)
		}
	}
}

// readyChannel returns a channel in the ready state over a fake transport.
func readyChannel(tb testing.TB, opts Options) (*Channel, *fakeTransport, chan State) {
	tb.Helper()
	ft := newFakeTransport()
	opts.Dial = func(string) (Transport, error) { return ft, nil }
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	ch := New(opts)
	states := make(chan State, 16)
	ch.OnStateChange(func(old, new State) { states <- new })
	ch.Connect()
	ft.push(tb, map[string]any{"sylkrtc": wire.KindReadyEvent})
	waitState(tb, states, StateReady)
	return ch, ft, states
}

func TestSendBeforeReadyFailsAsync(t *testing.T) {
	r := require.New(t)
	ch := New(Options{Server: "wss://gateway.test"})

	result := make(chan error, 1)
	ch.Send(&wire.AccountRegister{Request: wire.NewRequest(wire.OpAccountRegister), Account: "alice@example.com"},
		func(err error) { result <- err })

	select {
	case err := <-result:
		r.ErrorIs(err, ErrNotReady)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestTransactionCorrelation(t *testing.T) {
	r := require.New(t)
	ch, ft, _ := readyChannel(t, Options{Server: "wss://gateway.test"})
	defer ch.Close()

	first := make(chan error, 1)
	second := make(chan error, 1)
	ch.Send(&wire.AccountRegister{Request: wire.NewRequest(wire.OpAccountRegister), Account: "alice@example.com"},
		func(err error) { first <- err })
	ch.Send(&wire.AccountRegister{Request: wire.NewRequest(wire.OpAccountRegister), Account: "bob@example.com"},
		func(err error) { second <- err })

	reqA := ft.nextWrite(t)
	reqB := ft.nextWrite(t)
	txnA, _ := reqA["transaction"].(string)
	txnB, _ := reqB["transaction"].(string)
	r.NotEmpty(txnA)
	r.NotEmpty(txnB)
	r.NotEqual(txnA, txnB)

	// error for the second, ack for the first; each callback resolves once
	ft.push(t, map[string]any{"sylkrtc": wire.KindError, "transaction": txnB, "error": "user not found"})
	ft.push(t, map[string]any{"sylkrtc": wire.KindAck, "transaction": txnA})

	select {
	case err := <-second:
		r.EqualError(err, "user not found")
	case <-time.After(time.Second):
		t.Fatal("error callback never fired")
	}
	select {
	case err := <-first:
		r.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("ack callback never fired")
	}
}

func TestEventRouting(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	ch := New(Options{Server: "wss://gateway.test", Dial: func(string) (Transport, error) { return ft, nil }, PingInterval: time.Hour})
	defer ch.Close()

	states := make(chan State, 16)
	account := make(chan *wire.Envelope, 1)
	session := make(chan *wire.Envelope, 1)
	videoroom := make(chan *wire.Envelope, 1)
	ch.OnStateChange(func(old, new State) { states <- new })
	ch.OnAccountEvent(func(env *wire.Envelope) { account <- env })
	ch.OnSessionEvent(func(env *wire.Envelope) { session <- env })
	ch.OnVideoroomEvent(func(env *wire.Envelope) { videoroom <- env })

	ch.Connect()
	ft.push(t, map[string]any{"sylkrtc": wire.KindReadyEvent})
	waitState(t, states, StateReady)

	ft.push(t, map[string]any{"sylkrtc": wire.KindAccountEvent, "account": "alice@example.com", "event": wire.EventRegistrationState})
	ft.push(t, map[string]any{"sylkrtc": wire.KindSessionEvent, "session": "s1", "event": wire.EventState})
	ft.push(t, map[string]any{"sylkrtc": wire.KindVideoroomEvent, "session": "v1", "event": wire.EventState})

	select {
	case env := <-account:
		r.Equal("alice@example.com", env.Account)
	case <-time.After(time.Second):
		t.Fatal("account event not routed")
	}
	select {
	case env := <-session:
		r.Equal("s1", env.Session)
	case <-time.After(time.Second):
		t.Fatal("session event not routed")
	}
	select {
	case env := <-videoroom:
		r.Equal("v1", env.Session)
	case <-time.After(time.Second):
		t.Fatal("videoroom event not routed")
	}
}

func TestPublicKeyWaitersFireOnce(t *testing.T) {
	r := require.New(t)
	ch, ft, _ := readyChannel(t, Options{Server: "wss://gateway.test"})
	defer ch.Close()

	results := make(chan string, 4)
	ch.OncePublicKey(func(uri, key string) { results <- "a:" + key })
	ch.OncePublicKey(func(uri, key string) { results <- "b:" + key })

	ft.push(t, map[string]any{"sylkrtc": wire.KindPublicKeyEvent, "uri": "bob@example.com", "public_key": "KEY1"})
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-results:
			got[v] = true
		case <-time.After(time.Second):
			t.Fatal("waiter never fired")
		}
	}
	r.True(got["a:KEY1"])
	r.True(got["b:KEY1"])

	// a second notification finds no waiters left
	ft.push(t, map[string]any{"sylkrtc": wire.KindPublicKeyEvent, "uri": "bob@example.com", "public_key": "KEY2"})
	select {
	case v := <-results:
		t.Fatalf("waiter fired twice: %s", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := require.New(t)
	block := make(chan struct{})
	defer close(block)
	ch := New(Options{
		Server:       "wss://gateway.test",
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Dial: func(string) (Transport, error) {
			<-block
			return nil, errors.New("unreachable")
		},
	})

	delays := []time.Duration{}
	for i := 0; i < 4; i++ {
		ch.connectionLost(nil)
		ch.mu.Lock()
		delays = append(delays, ch.delay)
		if ch.retry != nil {
			ch.retry.Stop()
		}
		ch.mu.Unlock()
	}
	r.Equal([]time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}, delays)
}

func TestBackoffResetsOnSuccessfulConnect(t *testing.T) {
	r := require.New(t)
	ch, _, _ := readyChannel(t, Options{Server: "wss://gateway.test", InitialDelay: 100 * time.Millisecond})
	defer ch.Close()

	ch.mu.Lock()
	r.Equal(100*time.Millisecond, ch.delay)
	ch.mu.Unlock()
}

func TestConnectionLostFailsPendingRequests(t *testing.T) {
	r := require.New(t)
	ch, ft, states := readyChannel(t, Options{Server: "wss://gateway.test", InitialDelay: time.Hour})
	defer ch.Close()

	result := make(chan error, 1)
	ch.Send(&wire.AccountRegister{Request: wire.NewRequest(wire.OpAccountRegister), Account: "alice@example.com"},
		func(err error) { result <- err })
	ft.nextWrite(t)

	ft.Close()
	select {
	case err := <-result:
		r.ErrorIs(err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("pending request never failed")
	}
	waitState(t, states, StateDisconnected)
}

func TestHeartbeatClosesConnectionAndReconnects(t *testing.T) {
	transports := make(chan *fakeTransport, 4)
	dial := func(string) (Transport, error) {
		ft := newFakeTransport()
		transports <- ft
		return ft, nil
	}
	ch := New(Options{
		Server:         "wss://gateway.test",
		Dial:           dial,
		InitialDelay:   time.Millisecond,
		PingInterval:   5 * time.Millisecond,
		MaxMissedPings: 2,
	})
	defer ch.Close()

	states := make(chan State, 16)
	ch.OnStateChange(func(old, new State) { states <- new })
	ch.Connect()

	var first *fakeTransport
	select {
	case first = <-transports:
	case <-time.After(time.Second):
		t.Fatal("no dial")
	}
	first.push(t, map[string]any{"sylkrtc": wire.KindReadyEvent})
	waitState(t, states, StateReady)

	// no pongs and no traffic: the watchdog must force the connection down
	// and the reconnection path must dial again
	select {
	case <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after heartbeat timeout")
	}
	require.True(t, first.isClosed())
}

func TestCloseIsFinal(t *testing.T) {
	r := require.New(t)
	var mu sync.Mutex
	attempts := 0
	ch := New(Options{
		Server:       "wss://gateway.test",
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Dial: func(string) (Transport, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, fmt.Errorf("unreachable")
		},
	})
	states := make(chan State, 16)
	ch.OnStateChange(func(old, new State) { states <- new })
	ch.Connect()
	waitState(t, states, StateDisconnected)

	ch.Close()
	waitState(t, states, StateClosed)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	settled := attempts
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	r.Equal(settled, attempts)
	mu.Unlock()
}
