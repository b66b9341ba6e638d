package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// Content types used for key exchange over the messaging path. Messages
// with these types are protocol bootstrapping, never user-visible.
const (
	ContentTypePrivateKey = "text/pgp-private-key"
	ContentTypePublicKey  = "text/pgp-public-key"
)

// ErrNoPublicKey reports that no public key could be obtained for a peer.
var ErrNoPublicKey = errors.New("no public key found")

const lookupTimeout = 10 * time.Second

// KeyLookup is the channel-side capability for resolving peer public keys:
// a fire-and-forget server lookup plus a one-shot wait on the out-of-band
// notification.
type KeyLookup interface {
	LookupPublicKey(uri string)
	OncePublicKey(func(uri, key string))
}

// EncryptResult reports an encryption attempt. A failed attempt falls back
// to the original plaintext with DidEncrypt false.
type EncryptResult struct {
	Content    string
	DidEncrypt bool
}

// Pipeline holds one account's key material and peer-key cache. Slow
// operations are delegated to the shared Provider worker.
type Pipeline struct {
	provider *Provider
	lookup   KeyLookup

	mu             sync.Mutex
	keyring        openpgp.EntityList
	armoredPrivate string
	armoredPublic  string
	passphrase     string
	cache          map[string]string

	onKeyAdded func(uri, key string)
}

func NewPipeline(provider *Provider, lookup KeyLookup) *Pipeline {
	return &Pipeline{
		provider: provider,
		lookup:   lookup,
		cache:    make(map[string]string),
	}
}

// OnKeyAdded observes peer public keys entering the cache.
func (p *Pipeline) OnKeyAdded(fn func(uri, key string)) { p.onKeyAdded = fn }

// Enabled reports whether a local key pair is loaded. When false the
// messaging path degrades silently to plaintext.
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyring != nil
}

// LoadKeys installs an armored key pair, decrypting the private key with
// passphrase when needed.
func (p *Pipeline) LoadKeys(privateKey, publicKey, passphrase string) error {
	keyring, err := readKeyRing(privateKey, passphrase)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	p.mu.Lock()
	p.keyring = keyring
	p.armoredPrivate = privateKey
	p.armoredPublic = publicKey
	p.passphrase = passphrase
	p.mu.Unlock()
	log.Info().Str("module", "pgp").Msg("PGP messaging loaded and enabled")
	return nil
}

// GenerateKeys creates and installs a fresh key pair for the identity.
func (p *Pipeline) GenerateKeys(name, email string) (publicKey, privateKey string, err error) {
	publicKey, privateKey, err = p.provider.GenerateKey(name, email)
	if err != nil {
		return "", "", err
	}
	if err := p.LoadKeys(privateKey, publicKey, ""); err != nil {
		return "", "", err
	}
	return publicKey, privateKey, nil
}

// PublicKey returns the local armored public key, if any.
func (p *Pipeline) PublicKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armoredPublic
}

// AddPublicKeys caches peer public keys by uri.
func (p *Pipeline) AddPublicKeys(keys map[string]string) {
	p.mu.Lock()
	fn := p.onKeyAdded
	for uri, key := range keys {
		p.cache[uri] = key
	}
	p.mu.Unlock()
	if fn != nil {
		for uri, key := range keys {
			fn(uri, key)
		}
	}
}

// CachedKey returns the cached public key for uri.
func (p *Pipeline) CachedKey(uri string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.cache[uri]
	return key, ok
}

// EncryptMessage encrypts content for uri, addressing the ciphertext to
// both the recipient's and the sender's own key so sent messages stay
// readable locally. Any failure falls back to plaintext.
func (p *Pipeline) EncryptMessage(uri, content string) EncryptResult {
	peerKey, err := p.lookupKey(uri)
	if err != nil {
		log.Debug().Err(err).Str("module", "pgp").Str("uri", uri).Msg("message not encrypted")
		return EncryptResult{Content: content}
	}
	encrypted, err := p.encrypt(peerKey, content)
	if err != nil {
		log.Debug().Err(err).Str("module", "pgp").Str("uri", uri).Msg("message not encrypted")
		return EncryptResult{Content: content}
	}
	return EncryptResult{Content: encrypted, DidEncrypt: true}
}

// DecryptMessage decodes an armored inbound message on the worker.
func (p *Pipeline) DecryptMessage(content string) (string, error) {
	p.mu.Lock()
	privateKey, passphrase := p.armoredPrivate, p.passphrase
	p.mu.Unlock()
	if privateKey == "" {
		return "", errors.New("no private key loaded")
	}
	return p.provider.Decrypt(privateKey, passphrase, content)
}

// ExportPrivateKey wraps the private key in a password-encrypted message,
// prefixed by the armored public key so the importing side gets both.
func (p *Pipeline) ExportPrivateKey(password string) (string, error) {
	p.mu.Lock()
	privateKey, publicKey := p.armoredPrivate, p.armoredPublic
	p.mu.Unlock()
	if privateKey == "" {
		return "", errors.New("no private key loaded")
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageBlockType, nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.SymmetricallyEncrypt(aw, []byte(password), nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(pw, privateKey); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return publicKey + "\n" + buf.String(), nil
}

// ImportPrivateKey installs a key pair from an export produced by
// ExportPrivateKey: an armored public key followed by the
// password-encrypted private key.
func (p *Pipeline) ImportPrivateKey(content, password string) error {
	start := strings.Index(content, messageHeader)
	end := strings.Index(content, messageFooter)
	if start == -1 || end == -1 {
		return errors.New("no PGP message found in key import")
	}
	encrypted := content[start : end+len(messageFooter)]
	publicKey := strings.TrimSpace(content[:start])

	block, err := armor.Decode(strings.NewReader(encrypted))
	if err != nil {
		return err
	}
	attempts := 0
	md, err := openpgp.ReadMessage(block.Body, nil, func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if attempts > 0 {
			return nil, errors.New("invalid password")
		}
		attempts++
		return []byte(password), nil
	}, nil)
	if err != nil {
		return err
	}
	privateKey, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return err
	}
	return p.LoadKeys(strings.TrimSpace(string(privateKey)), publicKey, "")
}

// lookupKey resolves a peer key from the cache or the server. Concurrent
// lookups for the same uri are not deduplicated: each caller registers its
// own one-shot waiter and may trigger its own network lookup.
func (p *Pipeline) lookupKey(uri string) (string, error) {
	if key, ok := p.CachedKey(uri); ok {
		return key, nil
	}
	if p.lookup == nil {
		return "", ErrNoPublicKey
	}

	found := make(chan string, 1)
	p.lookup.OncePublicKey(func(keyURI, key string) {
		log.Debug().Str("module", "pgp").Str("uri", keyURI).Msg("fetched public key from server")
		if key != "" {
			p.AddPublicKeys(map[string]string{keyURI: key})
		}
		found <- key
	})
	p.lookup.LookupPublicKey(uri)

	select {
	case key := <-found:
		if key == "" {
			return "", ErrNoPublicKey
		}
		return key, nil
	case <-time.After(lookupTimeout):
		return "", fmt.Errorf("public key lookup for %s timed out", uri)
	}
}

func (p *Pipeline) encrypt(peerKey, content string) (string, error) {
	p.mu.Lock()
	keyring := p.keyring
	p.mu.Unlock()
	if keyring == nil {
		return "", errors.New("no key pair loaded")
	}

	peerRing, err := openpgp.ReadArmoredKeyRing(strings.NewReader(peerKey))
	if err != nil {
		return "", fmt.Errorf("reading peer key: %w", err)
	}
	recipients := append(openpgp.EntityList{}, keyring...)
	recipients = append(recipients, peerRing...)

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageBlockType, nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Encrypt(aw, recipients, nil, nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
