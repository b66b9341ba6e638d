// Package engine holds the client-side entity model: a Connection binds
// accounts to the signaling channel and routes server pushes down to the
// Account, Call and ConferenceCall they belong to.
package engine

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/channel"
	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/pgp"
	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

// Options configures the engine around its channel: how peer transports
// are created, how SDP capabilities are summarized and which provider
// backs per-account encryption pipelines.
type Options struct {
	Transports      core.TransportFactory
	ParseDirections core.DirectionParser
	Provider        *pgp.Provider
	UserAgent       string
}

// Connection is the account registry on top of one signaling channel.
type Connection struct {
	ch   *channel.Channel
	opts Options

	mu       sync.Mutex
	accounts map[string]*Account

	onStateChange func(old, new channel.State)
}

func NewConnection(ch *channel.Channel, opts Options) *Connection {
	conn := &Connection{
		ch:       ch,
		opts:     opts,
		accounts: make(map[string]*Account),
	}
	ch.OnAccountEvent(conn.routeAccountEvent)
	ch.OnSessionEvent(conn.routeSessionEvent)
	ch.OnVideoroomEvent(conn.routeVideoroomEvent)
	ch.OnStateChange(conn.handleChannelState)
	return conn
}

func (c *Connection) State() channel.State { return c.ch.State() }

// OnStateChange observes the underlying channel state.
func (c *Connection) OnStateChange(fn func(old, new channel.State)) { c.onStateChange = fn }

// Connect starts the signaling channel; Close tears it down for good.
func (c *Connection) Connect() { c.ch.Connect() }
func (c *Connection) Close()   { c.ch.Close() }

// AddAccount binds an identity to this connection. The password never
// leaves the client: only its digest over user:domain:password is sent.
// The account joins the registry before the request round-trip so pushes
// arriving right after the ack always find their owner.
func (c *Connection) AddAccount(account, password, displayName string) (*Account, error) {
	user, domain, err := core.SplitURI(account)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("no password for account %s", account)
	}
	digest := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", user, domain, password)))

	c.mu.Lock()
	if _, ok := c.accounts[account]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("account %s already added", account)
	}
	acc := newAccount(c, account, hex.EncodeToString(digest[:]), displayName,
		pgp.NewPipeline(c.opts.Provider, c.ch))
	c.accounts[account] = acc
	c.mu.Unlock()

	req := &wire.AccountAdd{
		Request:     wire.NewRequest(wire.OpAccountAdd),
		Account:     account,
		Password:    acc.digest,
		DisplayName: displayName,
		UserAgent:   c.opts.UserAgent,
	}
	c.send(req, func(err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "engine").Str("account", account).Msg("add account failed")
			c.dropAccount(account)
		}
	})
	return acc, nil
}

// RemoveAccount unbinds the account. The local registry entry goes away
// regardless of the server outcome.
func (c *Connection) RemoveAccount(acc *Account) {
	c.dropAccount(acc.id)
	req := &wire.AccountRemove{Request: wire.NewRequest(wire.OpAccountRemove), Account: acc.id}
	c.send(req, func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("module", "engine").Str("account", acc.id).Msg("remove account error")
		}
	})
	acc.setRegistrationState(RegistrationNone, "")
}

// GetAccount returns the bound account for uri, if any.
func (c *Connection) GetAccount(uri string) *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accounts[uri]
}

func (c *Connection) dropAccount(id string) {
	c.mu.Lock()
	delete(c.accounts, id)
	c.mu.Unlock()
}

func (c *Connection) send(req wire.ClientRequest, cb func(error)) {
	c.ch.Send(req, cb)
}

func (c *Connection) newTransport() (core.PeerTransport, error) {
	if c.opts.Transports == nil {
		return nil, fmt.Errorf("no transport factory configured")
	}
	return c.opts.Transports()
}

func (c *Connection) parseDirections(sdp string) core.MediaDirections {
	if c.opts.ParseDirections == nil {
		return core.MediaDirections{}
	}
	return c.opts.ParseDirections(sdp)
}

func (c *Connection) routeAccountEvent(env *wire.Envelope) {
	acc := c.GetAccount(env.Account)
	if acc == nil {
		log.Warn().Str("module", "engine").Str("account", env.Account).Str("event", env.Event).Msg("event for unknown account")
		return
	}
	acc.handleEvent(env)
}

func (c *Connection) routeSessionEvent(env *wire.Envelope) {
	c.mu.Lock()
	var call *Call
	for _, acc := range c.accounts {
		if call = acc.findCall(env.Session); call != nil {
			break
		}
	}
	c.mu.Unlock()
	if call == nil {
		log.Warn().Str("module", "engine").Str("session", env.Session).Str("event", env.Event).Msg("event for unknown session")
		return
	}
	call.handleEvent(env)
}

func (c *Connection) routeVideoroomEvent(env *wire.Envelope) {
	c.mu.Lock()
	var conf *ConferenceCall
	for _, acc := range c.accounts {
		if conf = acc.findConference(env.Session); conf != nil {
			break
		}
	}
	c.mu.Unlock()
	if conf == nil {
		log.Warn().Str("module", "engine").Str("session", env.Session).Str("event", env.Event).Msg("event for unknown videoroom session")
		return
	}
	conf.handleEvent(env)
}

// handleChannelState forwards channel transitions and resets the account
// registry on disconnect: the server forgets bound accounts with the
// connection, so locally held ones would be stale after a reconnect.
func (c *Connection) handleChannelState(old, new channel.State) {
	if new == channel.StateDisconnected || new == channel.StateClosed {
		c.mu.Lock()
		accounts := c.accounts
		c.accounts = make(map[string]*Account)
		c.mu.Unlock()
		for _, acc := range accounts {
			acc.teardown()
		}
	}
	if fn := c.onStateChange; fn != nil {
		fn(old, new)
	}
}
