package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

func pub(k ed25519.PrivateKey) ed25519.PublicKey {
	return k.Public().(ed25519.PublicKey)
}

// startListener creates and starts a listening node.
func startListener(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}
	cfg.ListenAddr = "127.0.0.1:0"

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	return n
}

// newDialer creates a dial-only node.
func newDialer(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	return n
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{}); err == nil {
		t.Error("expected error without a private key")
	}

	n, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if err := n.Start(); err == nil {
		t.Error("Start without a listen address should fail")
	}
}

func TestConnectAndIdentify(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startListener(t, Config{PrivateKey: serverKey})

	var connected atomic.Bool
	server.OnConnect(func(*Peer) { connected.Store(true) })

	client := newDialer(t, Config{})

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), pub(serverKey)) {
		t.Error("peer public key mismatch")
	}

	waitFor(t, "server connect callback", connected.Load)

	if server.Peer(client.PublicKey()) == nil {
		t.Error("server does not know the client key")
	}
}

func TestAllowlistRejectsUnknownKey(t *testing.T) {
	allowedKey := generateTestKey(t)
	server := startListener(t, Config{Allowed: []ed25519.PublicKey{pub(allowedKey)}})

	stranger := newDialer(t, Config{})
	stranger.Connect(context.Background(), server.Addr())

	time.Sleep(100 * time.Millisecond)

	if len(server.Peers()) != 0 {
		t.Error("server accepted a key outside its allowlist")
	}

	friend := newDialer(t, Config{PrivateKey: allowedKey})
	if _, err := friend.Connect(context.Background(), server.Addr()); err != nil {
		t.Fatalf("allowed key: %v", err)
	}

	waitFor(t, "allowed peer", func() bool { return len(server.Peers()) == 1 })
}

func TestDialerRejectsWrongServer(t *testing.T) {
	server := startListener(t, Config{})

	client := newDialer(t, Config{Allowed: []ed25519.PublicKey{pub(generateTestKey(t))}})

	_, err := client.Connect(context.Background(), server.Addr())
	if !errors.Is(err, ErrNotAllowed) {
		t.Errorf("got %v, want ErrNotAllowed", err)
	}
}

func TestSendMessage(t *testing.T) {
	server := startListener(t, Config{})

	received := make(chan []byte, 1)
	server.OnMessage(func(_ *Peer, data []byte) { received <- data })

	client := newDialer(t, Config{})

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}

	if err := peer.Send([]byte("notify")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "notify" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestBroadcastToConnectedPeers(t *testing.T) {
	server := startListener(t, Config{})

	var mu sync.Mutex
	got := map[string]int{}

	clients := make([]*Node, 2)
	for i := range clients {
		clients[i] = newDialer(t, Config{})
		name := fmt.Sprint(i)
		clients[i].OnMessage(func(_ *Peer, data []byte) {
			mu.Lock()
			got[name+string(data)]++
			mu.Unlock()
		})

		if _, err := clients[i].Connect(context.Background(), server.Addr()); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "both peers", func() bool { return len(server.Peers()) == 2 })

	if err := server.Broadcast([]byte("x")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "broadcast delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["0x"] == 1 && got["1x"] == 1
	})
}

func TestBroadcastWithoutPeers(t *testing.T) {
	server := startListener(t, Config{})

	if err := server.Broadcast([]byte("x")); err == nil {
		t.Error("expected error with no peers")
	}
}

func TestDuplicateMessagesDropped(t *testing.T) {
	server := startListener(t, Config{})

	var count atomic.Int32
	server.OnMessage(func(*Peer, []byte) { count.Add(1) })

	client := newDialer(t, Config{})

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		peer.Send([]byte("same notify"))
	}
	peer.Send([]byte("other notify"))

	waitFor(t, "two distinct messages", func() bool { return count.Load() == 2 })

	time.Sleep(50 * time.Millisecond)

	if count.Load() != 2 {
		t.Errorf("handled %d messages, want 2", count.Load())
	}
}

func TestRequestResponse(t *testing.T) {
	server := startListener(t, Config{})
	server.OnRequest(func(_ *Peer, data []byte) ([]byte, error) {
		return append([]byte("ack:"), data...), nil
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, []byte("decrypt"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "ack:decrypt" {
		t.Errorf("got %q", resp)
	}
}

func TestRequestHandlerError(t *testing.T) {
	server := startListener(t, Config{})
	server.OnRequest(func(*Peer, []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})

	client := newDialer(t, Config{})

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("decrypt")); err == nil {
		t.Error("expected error when the handler fails")
	}
}

func TestRedialAfterDrop(t *testing.T) {
	server := startListener(t, Config{})

	client := newDialer(t, Config{ReconnectDelay: 20 * time.Millisecond, MaxReconnectDelay: 50 * time.Millisecond})

	var connects atomic.Int32
	client.OnConnect(func(*Peer) { connects.Add(1) })

	if _, err := client.Connect(context.Background(), server.Addr()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "server side peer", func() bool { return len(server.Peers()) == 1 })

	// Drop the link from the server side
	server.Peer(client.PublicKey()).Close()

	waitFor(t, "redial", func() bool { return connects.Load() >= 1 && len(client.Peers()) == 1 })
}

func TestListenerDoesNotRedial(t *testing.T) {
	server := startListener(t, Config{})

	client := newDialer(t, Config{})
	if _, err := client.Connect(context.Background(), server.Addr()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "server side peer", func() bool { return len(server.Peers()) == 1 })

	client.Close()

	waitFor(t, "server drops peer", func() bool { return len(server.Peers()) == 0 })

	server.peersMu.RLock()
	dialed := len(server.dialed)
	server.peersMu.RUnlock()

	if dialed != 0 {
		t.Error("listener recorded an accepted peer for redial")
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	got, err := readMessage(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("got %q, %v", got, err)
	}

	if err := writeMessage(&buf, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized frame accepted")
	}

	// Length prefix claiming more than the cap
	if _, err := readMessage(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})); err == nil {
		t.Error("oversized length accepted")
	}

	if _, err := readMessage(bytes.NewReader([]byte{0, 0, 0, 5, 'a'})); err == nil {
		t.Error("truncated payload accepted")
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	defer d.Close()

	if !d.Check([]byte("a")) {
		t.Error("first sight reported as duplicate")
	}

	if d.Check([]byte("a")) {
		t.Error("repeat reported as new")
	}

	if !d.Check([]byte("b")) {
		t.Error("different message reported as duplicate")
	}

	time.Sleep(80 * time.Millisecond)

	if !d.Check([]byte("a")) {
		t.Error("expired entry still reported as duplicate")
	}

	waitFor(t, "sweep", func() bool { return d.Len() <= 1 })
}

func TestDedupConcurrent(t *testing.T) {
	d := NewDedup(time.Minute)
	defer d.Close()

	var wg sync.WaitGroup
	var fresh atomic.Int32

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Check([]byte("race")) {
				fresh.Add(1)
			}
		}()
	}

	wg.Wait()

	if fresh.Load() != 1 {
		t.Errorf("%d goroutines saw the message as new, want 1", fresh.Load())
	}
}

func TestParsePublicKey(t *testing.T) {
	k := pub(generateTestKey(t))

	got, err := ParsePublicKey(fmt.Sprintf("%x", []byte(k)))
	if err != nil || !bytes.Equal(got, k) {
		t.Fatalf("round trip: %v", err)
	}

	if _, err := ParsePublicKey("zz"); err == nil {
		t.Error("expected error for non-hex")
	}

	if _, err := ParsePublicKey(strings.Repeat("ab", 31)); err == nil {
		t.Error("expected error for short key")
	}
}
