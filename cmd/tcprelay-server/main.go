package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gosuda/tcprelay/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tcprelay-server",
	Short: "A routing-core relay server: two-message handshake, encrypted framing, mutual-consent links",
	RunE:  runServer,
}

var (
	flagListen       string
	flagAdminListen  string
	flagKeyFile      string
	flagPingInterval time.Duration
	flagWriteTimeout time.Duration
	flagQueueDepth   int
	flagVerbose      bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", envOr("TCPRELAY_LISTEN", ":4040"), "TCP listen address for client connections")
	flags.StringVar(&flagAdminListen, "admin-listen", envOr("TCPRELAY_ADMIN_LISTEN", ""), "HTTP listen address for the admin/observability surface (empty disables it)")
	flags.StringVar(&flagKeyFile, "key-file", envOr("TCPRELAY_KEY_FILE", "tcprelay.key"), "path to the server's long-term identity secret key, generated on first run")
	flags.DurationVar(&flagPingInterval, "ping-interval", 30*time.Second, "interval between keepalive pings; clients silent for 2x this are dropped")
	flags.DurationVar(&flagWriteTimeout, "write-timeout", 30*time.Second, "per-frame write deadline on client connections")
	flags.IntVar(&flagQueueDepth, "queue-depth", 16, "per-client outbound packet queue depth")
	flags.BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServer(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	identity, err := loadOrGenerateIdentity(flagKeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info().Str("public_key", identity.Public.String()).Msg("identity loaded")

	server := relay.NewServer(identity,
		relay.WithOutboundQueueDepth(flagQueueDepth),
		relay.WithWriteTimeout(flagWriteTimeout),
		relay.WithPingInterval(flagPingInterval),
		relay.WithLogger(log.Logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Run(ctx)

	listener, err := net.Listen("tcp", flagListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flagListen, err)
	}
	log.Info().Str("listen", flagListen).Msg("accepting connections")

	go acceptLoop(ctx, listener, server)

	if flagAdminListen != "" {
		admin := relay.NewAdminServer(server)
		go func() {
			log.Info().Str("listen", flagAdminListen).Msg("admin surface listening")
			if err := http.ListenAndServe(flagAdminListen, admin.Handler()); err != nil {
				log.Error().Err(err).Msg("admin http server exited")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()
	listener.Close()
	time.Sleep(300 * time.Millisecond)
	return nil
}

func acceptLoop(ctx context.Context, listener net.Listener, server *relay.Server) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("accept failed")
				return
			}
		}
		go server.HandleConnection(ctx, conn)
	}
}

// loadOrGenerateIdentity reads a raw 32-byte secret key from path, or
// generates and persists a fresh one if the file does not exist yet.
func loadOrGenerateIdentity(path string) (relay.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != relay.SecretKeySize {
			return relay.KeyPair{}, fmt.Errorf("key file %s: expected %d bytes, got %d", path, relay.SecretKeySize, len(data))
		}
		var secret relay.SecretKey
		copy(secret[:], data)
		return relay.KeyPair{Public: secret.Public(), Secret: secret}, nil
	}
	if !os.IsNotExist(err) {
		return relay.KeyPair{}, err
	}

	kp, err := relay.GenerateKeyPair()
	if err != nil {
		return relay.KeyPair{}, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return relay.KeyPair{}, err
		}
	}
	if err := os.WriteFile(path, kp.Secret[:], 0o600); err != nil {
		return relay.KeyPair{}, err
	}
	log.Info().Str("path", path).Msg("generated new identity key")
	return kp, nil
}
