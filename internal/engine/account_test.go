package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylkrtc/sylkrtc-go/internal/pgp"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// enableEncryption generates a key pair for the account and teaches the
// pipeline a peer key, so encryption succeeds without a server lookup.
func enableEncryption(t *testing.T, acc *Account, peers ...string) {
	t.Helper()
	pub, _, err := acc.Pipeline().GenerateKeys(acc.DisplayName(), acc.ID())
	require.NoError(t, err)
	keys := map[string]string{}
	for _, peer := range peers {
		// reusing the account's own key as the peer's keeps the
		// ciphertext decryptable on this side
		keys[peer] = pub
	}
	acc.Pipeline().AddPublicKeys(keys)
}

func TestPlainMessagingWithoutKeys(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	msg, err := acc.SendMessage("bob@example.com", "hello", "")
	r.NoError(err)
	r.Equal(MessagePending, msg.State())
	r.False(msg.IsSecure())

	req := h.expect(wire.OpAccountMessage)
	r.Equal("hello", req["content"])
	r.Equal("text/plain", req["content_type"])
	r.Equal(msg.ID(), req["message_id"])
	h.ack(req)
	eventually(t, func() bool { return msg.State() == MessageAccepted }, "accepted on ack")

	h.pushEvent(wire.KindAccountEvent, wire.EventDisposition,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": msg.ID(), "state": "displayed"})
	eventually(t, func() bool { return msg.State() == MessageDisplayed }, "displayed")
}

func TestInboundMessageSendsDeliveredDisposition(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	inbound := make(chan *Message, 1)
	acc.OnMessage(func(m *Message) { inbound <- m })

	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{
			"message_id":               "in-1",
			"sender":                   map[string]any{"uri": "bob@example.com", "display_name": "Bob"},
			"content":                  "hi alice",
			"content_type":             "text/plain",
			"timestamp":                time.Now().Format(time.RFC3339),
			"disposition_notification": []string{"positive-delivery", "display"},
		})

	select {
	case m := <-inbound:
		r.Equal("hi alice", m.Content())
		r.Equal("bob@example.com", m.Sender().URI)
		r.False(m.IsSecure())
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	req := h.expect(wire.OpAccountDisposition)
	r.Equal("in-1", req["message_id"])
	r.Equal("delivered", req["state"])
	h.ack(req)
}

func TestEncryptedMessagingRoundTrip(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")
	enableEncryption(t, acc, "bob@example.com")

	msg, err := acc.SendMessage("bob@example.com", "secret note", "text/plain")
	r.NoError(err)
	req := h.expect(wire.OpAccountMessage)
	ciphertext, _ := req["content"].(string)
	r.True(pgp.IsEncrypted(ciphertext), "content must leave armored")
	r.NotContains(ciphertext, "secret note")
	r.True(msg.IsSecure())
	h.ack(req)

	// the same ciphertext coming back decrypts through the worker before
	// it surfaces
	inbound := make(chan *Message, 1)
	acc.OnMessage(func(m *Message) { inbound <- m })
	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{
			"message_id":               "in-enc-1",
			"sender":                   map[string]any{"uri": "bob@example.com"},
			"content":                  ciphertext,
			"content_type":             "text/plain",
			"timestamp":                time.Now().Format(time.RFC3339),
			"disposition_notification": []string{"positive-delivery"},
		})

	select {
	case m := <-inbound:
		r.Equal("secret note", m.Content())
		r.True(m.IsSecure())
	case <-time.After(5 * time.Second):
		t.Fatal("no decrypted inbound message")
	}
	req = h.expect(wire.OpAccountDisposition)
	r.Equal("delivered", req["state"])
	h.ack(req)
}

func TestMessageFallsBackToPlaintextWithoutPeerKey(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")
	enableEncryption(t, acc)

	msg, err := acc.SendMessage("carol@example.com", "hello carol", "text/plain")
	r.NoError(err)

	// the pipeline asks the server for carol's key; nothing is known
	h.expect(wire.OpLookupPublicKey)
	h.push(map[string]any{"sylkrtc": "lookup-public-key-event", "uri": "carol@example.com", "public_key": ""})

	req := h.expect(wire.OpAccountMessage)
	r.Equal("hello carol", req["content"], "plaintext fallback")
	r.False(msg.IsSecure())
	h.ack(req)
	eventually(t, func() bool { return msg.State() == MessageAccepted }, "still delivered as plaintext")
}

func TestDecryptFailureReportsErrorDisposition(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")
	enableEncryption(t, acc)

	surfaced := make(chan *Message, 1)
	acc.OnMessage(func(m *Message) { surfaced <- m })

	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{
			"message_id":               "in-bad-1",
			"sender":                   map[string]any{"uri": "bob@example.com"},
			"content":                  "-----BEGIN PGP MESSAGE-----\n\nnot really\n-----END PGP MESSAGE-----",
			"content_type":             "text/plain",
			"timestamp":                time.Now().Format(time.RFC3339),
			"disposition_notification": []string{"positive-delivery"},
		})

	req := h.expect(wire.OpAccountDisposition)
	r.Equal("in-bad-1", req["message_id"])
	r.Equal("error", req["state"])
	h.ack(req)

	select {
	case <-surfaced:
		t.Fatal("undecryptable message must not surface")
	default:
	}
	r.Empty(acc.Messages())
}

// Dispositions can refer to a message still sitting in the decrypt worker;
// they must wait for the message and then apply in arrival order.
func TestDispositionsWaitForDecryptingMessage(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")
	enableEncryption(t, acc, "alice@example.com")

	result := acc.Pipeline().EncryptMessage("alice@example.com", "sent elsewhere")
	r.True(result.DidEncrypt)

	var mu sync.Mutex
	var transitions []DeliveryState
	surfaced := make(chan *Message, 1)
	// the state observer attaches inside the surface callback, before any
	// queued dispositions are drained
	acc.OnMessage(func(m *Message) {
		m.OnStateChange(func(old, new DeliveryState) {
			mu.Lock()
			transitions = append(transitions, new)
			mu.Unlock()
		})
		surfaced <- m
	})

	// another device of this account sent the message; right behind it come
	// the recipient's delivered and displayed notifications, in that order
	entry := map[string]any{
		"message_id":   "sync-1",
		"contact":      "bob@example.com",
		"direction":    "outgoing",
		"content":      result.Content,
		"content_type": "text/plain",
		"timestamp":    time.Now().Format(time.RFC3339),
		"state":        "accepted",
	}
	h.pushEvent(wire.KindAccountEvent, wire.EventSync,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"action": "add-message", "message": entry})
	h.pushEvent(wire.KindAccountEvent, wire.EventDisposition,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "sync-1", "state": "delivered"})
	h.pushEvent(wire.KindAccountEvent, wire.EventDisposition,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "sync-1", "state": "displayed"})

	var msg *Message
	select {
	case msg = <-surfaced:
	case <-time.After(5 * time.Second):
		t.Fatal("replayed message never surfaced")
	}
	r.Equal("sent elsewhere", msg.Content())
	r.Equal(DirectionOutgoing, msg.Direction())
	r.Equal("bob@example.com", msg.Receiver())
	eventually(t, func() bool { return msg.State() == MessageDisplayed },
		"queued dispositions applied after decryption")

	// out-of-order application would have dropped the delivered step
	mu.Lock()
	defer mu.Unlock()
	r.Equal([]DeliveryState{MessageDelivered, MessageDisplayed}, transitions)
}

// Marking a conversation read notifies each sender that asked for a display
// report and fans the read state out to the account's other devices.
func TestConversationReadNotifiesSenderAndDevices(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	now := time.Now().Format(time.RFC3339)
	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "read-1", "sender": map[string]any{"uri": "bob@example.com"},
			"content": "seen yet?", "content_type": "text/plain", "timestamp": now,
			"disposition_notification": []string{"positive-delivery", "display"}})
	req := h.expect(wire.OpAccountDisposition)
	r.Equal("delivered", req["state"])
	h.ack(req)

	// no display report requested for this one
	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "read-2", "sender": map[string]any{"uri": "bob@example.com"},
			"content": "and this?", "content_type": "text/plain", "timestamp": now,
			"disposition_notification": []string{"positive-delivery"}})
	req = h.expect(wire.OpAccountDisposition)
	r.Equal("delivered", req["state"])
	h.ack(req)

	acc.SendConversationRead("bob@example.com")

	req = h.expect(wire.OpAccountDisposition)
	r.Equal("read-1", req["message_id"])
	r.Equal("bob@example.com", req["uri"])
	r.Equal("displayed", req["state"])
	h.ack(req)
	req = h.expect(wire.OpAccountMarkConversationRead)
	r.Equal("alice@example.com", req["account"])
	r.Equal("bob@example.com", req["contact"])
	h.ack(req)

	for _, m := range acc.Messages() {
		r.Equal(DispositionDisplayed, m.DispositionState())
	}

	// a second read of the same conversation has nothing left to report;
	// only the device fan-out goes out
	acc.SendConversationRead("bob@example.com")
	req = h.expect(wire.OpAccountMarkConversationRead)
	h.ack(req)
}

func TestSyncConversations(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	acc.SyncConversations("")
	req := h.expect(wire.OpAccountSync)
	r.Equal("alice@example.com", req["account"])
	h.ack(req)

	synced := make(chan []*Message, 1)
	acc.OnSyncConversations(func(msgs []*Message) { synced <- msgs })

	now := time.Now().Format(time.RFC3339)
	h.pushEvent(wire.KindAccountEvent, wire.EventSyncConversations,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"messages": []map[string]any{
			{"message_id": "h1", "contact": "bob@example.com", "direction": "incoming",
				"content": "old question", "content_type": "text/plain", "timestamp": now},
			{"message_id": "h2", "contact": "bob@example.com", "direction": "outgoing",
				"content": "old answer", "content_type": "text/plain", "timestamp": now, "state": "displayed"},
		}})

	var msgs []*Message
	select {
	case msgs = <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync callback")
	}
	r.Len(msgs, 2)
	byID := map[string]*Message{}
	for _, m := range msgs {
		byID[m.ID()] = m
	}
	r.Equal(DirectionIncoming, byID["h1"].Direction())
	r.Equal("bob@example.com", byID["h1"].Sender().URI)
	r.Equal(DirectionOutgoing, byID["h2"].Direction())
	r.Equal("bob@example.com", byID["h2"].Receiver())
	r.Equal(MessageDisplayed, byID["h2"].State())
	r.Len(acc.Messages(), 2)

	// replay must not trigger delivered dispositions: the only outbound
	// traffic so far was the sync request itself
	select {
	case req := <-h.ft.writes:
		t.Fatalf("unexpected request during replay: %v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncActionsFromOtherDevices(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	now := time.Now().Format(time.RFC3339)
	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "m1", "sender": map[string]any{"uri": "bob@example.com"},
			"content": "ping", "content_type": "text/plain", "timestamp": now})
	eventually(t, func() bool { return len(acc.Messages()) == 1 }, "message in ledger")

	read := make(chan string, 1)
	removedMsg := make(chan string, 1)
	removedConv := make(chan string, 1)
	acc.OnConversationRead(func(contact string) { read <- contact })
	acc.OnMessageRemoved(func(id string) { removedMsg <- id })
	acc.OnConversationRemoved(func(contact string) { removedConv <- contact })

	h.pushEvent(wire.KindAccountEvent, wire.EventSync,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"action": "read-conversation", "contact": "bob@example.com"})
	select {
	case contact := <-read:
		r.Equal("bob@example.com", contact)
	case <-time.After(2 * time.Second):
		t.Fatal("no read-conversation callback")
	}
	msg := acc.Messages()[0]
	r.Equal(DispositionDisplayed, msg.DispositionState())

	h.pushEvent(wire.KindAccountEvent, wire.EventSync,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"action": "remove-message", "message": map[string]any{"message_id": "m1"}})
	select {
	case id := <-removedMsg:
		r.Equal("m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no remove-message callback")
	}
	r.Empty(acc.Messages())

	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "m2", "sender": map[string]any{"uri": "bob@example.com"},
			"content": "again", "content_type": "text/plain", "timestamp": now})
	eventually(t, func() bool { return len(acc.Messages()) == 1 }, "second message in ledger")

	h.pushEvent(wire.KindAccountEvent, wire.EventSync,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"action": "remove-conversation", "contact": "bob@example.com"})
	select {
	case contact := <-removedConv:
		r.Equal("bob@example.com", contact)
	case <-time.After(2 * time.Second):
		t.Fatal("no remove-conversation callback")
	}
	r.Empty(acc.Messages())
}

func TestPublicKeyControlMessageFeedsCache(t *testing.T) {
	r := require.New(t)
	h := newHarness(t)
	acc := h.addAccount("alice@example.com", "secret")

	h.pushEvent(wire.KindAccountEvent, wire.EventMessage,
		map[string]any{"account": "alice@example.com"},
		map[string]any{"message_id": "k1", "sender": map[string]any{"uri": "bob@example.com"},
			"content": "ARMORED KEY", "content_type": pgp.ContentTypePublicKey,
			"timestamp": time.Now().Format(time.RFC3339)})

	eventually(t, func() bool {
		key, ok := acc.Pipeline().CachedKey("bob@example.com")
		return ok && key == "ARMORED KEY"
	}, "key cached")
	r.Empty(acc.Messages(), "key exchange never enters the ledger")
}
