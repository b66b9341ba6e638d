package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/channel"
	"github.com/sylkrtc/sylkrtc-go/internal/config"
	"github.com/sylkrtc/sylkrtc-go/internal/core"
	"github.com/sylkrtc/sylkrtc-go/internal/engine"
	"github.com/sylkrtc/sylkrtc-go/internal/pgp"
	"github.com/sylkrtc/sylkrtc-go/internal/rtc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Account == "" || cfg.Password == "" {
		log.Fatal().Msg("account and password must be configured")
	}

	ch := channel.New(channel.Options{
		Server:         cfg.Server,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		PingInterval:   cfg.PingInterval,
		MaxMissedPings: cfg.MaxMissedPings,
	})

	conn := engine.NewConnection(ch, engine.Options{
		Transports:      rtc.Factory(rtc.Config(cfg.ICEServers)),
		ParseDirections: rtc.DirectionSummary,
		Provider:        pgp.NewProvider(2048),
		UserAgent:       cfg.UserAgent,
	})

	conn.OnStateChange(func(old, new channel.State) {
		if new != channel.StateReady {
			return
		}
		account, err := conn.AddAccount(cfg.Account, cfg.Password, cfg.DisplayName)
		if err != nil {
			log.Error().Err(err).Msg("cannot add account")
			return
		}
		account.OnRegistrationState(func(old, new string, reason string) {
			log.Info().Str("account", account.ID()).Str("state", new).Str("reason", reason).Msg("registration")
		})
		account.OnIncomingCall(func(call *engine.Call, media core.MediaDirections) {
			log.Info().Str("session", call.ID()).Str("from", call.RemoteIdentity().String()).
				Bool("audio", media.HasAudio()).Bool("video", media.HasVideo()).Msg("incoming call")
		})
		if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
			loadKeys(account, cfg)
		}
		account.Register()
	})

	log.Info().Str("server", cfg.Server).Msg("sylk client starting")
	conn.Connect()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	conn.Close()
	log.Info().Msg("Client exited gracefully")
}

func loadKeys(account *engine.Account, cfg *config.Config) {
	private, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		log.Error().Err(err).Msg("cannot read private key")
		return
	}
	public, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		log.Error().Err(err).Msg("cannot read public key")
		return
	}
	if err := account.Pipeline().LoadKeys(string(private), string(public), cfg.KeyPassphrase); err != nil {
		log.Error().Err(err).Msg("cannot load key pair")
	}
}
