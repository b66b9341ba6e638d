// Package pgp implements the message-encryption pipeline: OpenPGP key
// management and encrypt/decrypt, with the slow operations (key generation,
// decryption) confined to a worker goroutine reachable only by message
// passing. Every request carries its own one-shot reply channel.
package pgp

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	// Registers RIPEMD-160 so openpgp can encrypt to keys whose
	// self-signature carries no hash preferences.
	_ "golang.org/x/crypto/ripemd160"
)

const messageHeader = "-----BEGIN PGP MESSAGE-----"
const messageFooter = "-----END PGP MESSAGE-----"
const messageBlockType = "PGP MESSAGE"

// IsEncrypted detects armored PGP content by its literal markers.
func IsEncrypted(content string) bool {
	return strings.Contains(content, messageHeader) && strings.Contains(content, messageFooter)
}

type action int

const (
	actionGenerate action = iota
	actionDecrypt
)

type request struct {
	action action

	// generate
	name, email string

	// decrypt
	privateKey string
	passphrase string
	message    string

	reply chan response
}

type response struct {
	publicKey  string
	privateKey string
	content    string
	err        error
}

// Provider is the isolated crypto execution context. One instance is
// constructed at startup and handed to each pipeline; it is never reached
// through ambient state.
type Provider struct {
	requests chan request
	rsaBits  int
}

// NewProvider starts the worker goroutine. rsaBits <= 0 selects the
// default key size (2048).
func NewProvider(rsaBits int) *Provider {
	if rsaBits <= 0 {
		rsaBits = 2048
	}
	p := &Provider{
		requests: make(chan request),
		rsaBits:  rsaBits,
	}
	go p.run()
	return p
}

// Close stops the worker. Outstanding requests complete first.
func (p *Provider) Close() {
	close(p.requests)
}

// GenerateKey creates a new armored key pair for the given identity.
func (p *Provider) GenerateKey(name, email string) (publicKey, privateKey string, err error) {
	reply := make(chan response, 1)
	p.requests <- request{action: actionGenerate, name: name, email: email, reply: reply}
	r := <-reply
	return r.publicKey, r.privateKey, r.err
}

// Decrypt decodes an armored message with the given armored private key.
func (p *Provider) Decrypt(privateKey, passphrase, message string) (string, error) {
	reply := make(chan response, 1)
	p.requests <- request{action: actionDecrypt, privateKey: privateKey, passphrase: passphrase, message: message, reply: reply}
	r := <-reply
	return r.content, r.err
}

func (p *Provider) run() {
	for req := range p.requests {
		switch req.action {
		case actionGenerate:
			pub, priv, err := p.generate(req.name, req.email)
			req.reply <- response{publicKey: pub, privateKey: priv, err: err}
		case actionDecrypt:
			content, err := decrypt(req.privateKey, req.passphrase, req.message)
			req.reply <- response{content: content, err: err}
		}
	}
}

func (p *Provider) generate(name, email string) (string, string, error) {
	cfg := &packet.Config{RSABits: p.rsaBits}
	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		return "", "", err
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", "", err
	}
	if err := entity.Serialize(w); err != nil {
		return "", "", err
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}

	var priv bytes.Buffer
	w, err = armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	if err != nil {
		return "", "", err
	}
	if err := entity.SerializePrivate(w, cfg); err != nil {
		return "", "", err
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}

	log.Debug().Str("module", "pgp").Str("email", email).Msg("key pair generated")
	return pub.String(), priv.String(), nil
}

func decrypt(privateKey, passphrase, message string) (string, error) {
	keyring, err := readKeyRing(privateKey, passphrase)
	if err != nil {
		return "", err
	}
	block, err := armor.Decode(strings.NewReader(message))
	if err != nil {
		return "", err
	}
	if block.Type != messageBlockType {
		return "", errors.New("not a PGP message")
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return "", err
	}
	content, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func readKeyRing(armoredKey, passphrase string) (openpgp.EntityList, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, err
	}
	for _, entity := range keyring {
		if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, err
			}
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, err
				}
			}
		}
	}
	return keyring, nil
}
