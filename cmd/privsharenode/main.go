// Command privsharenode runs a private peer-to-peer file-sharing node, or
// generates the ed25519 identity keypair it needs to do so. See spec §6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/privateshare/node/api"
	"github.com/privateshare/node/config"
	"github.com/privateshare/node/node"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "privsharenode",
		Short: "Private peer-to-peer file-sharing node",
	}
	root.AddCommand(genPeerIDCmd(), runCmd())
	return root
}

func genPeerIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-peer-id <secret_path> <public_path>",
		Short: "Load or generate an ed25519 identity and print its peer id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretPath, publicPath := args[0], args[1]

			var pub []byte
			if _, err := os.Stat(secretPath); err == nil {
				_, p, err := config.LoadIdentity(secretPath, publicPath)
				if err != nil {
					return err
				}
				pub = p
			} else {
				_, p, err := config.GenerateIdentity(secretPath, publicPath)
				if err != nil {
					return err
				}
				pub = p
			}

			pubKey, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
			if err != nil {
				return fmt.Errorf("unmarshal public key: %w", err)
			}
			id, err := peer.IDFromPublicKey(pubKey)
			if err != nil {
				return fmt.Errorf("derive peer id: %w", err)
			}
			fmt.Println(id.String())
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configDir string
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node against a config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configDir, debug)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", ".", "directory containing config.yaml")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runNode(configDir string, debug bool) error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfgMgr, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	secret, _, err := config.LoadIdentity(cfg.SecretKeyPath, cfg.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	n, err := node.New(cfgMgr, secret, log)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	defer n.Close()

	log.Info().Stringer("peer_id", n.Host().ID()).Msg("node starting")
	for _, addr := range n.Host().Addrs() {
		log.Info().Stringer("listen_addr", addr).Msg("node listening")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	apiServer := api.New(n, log)
	servers := make([]*http.Server, 0, len(cfg.HTTPListen))
	for _, listen := range cfg.HTTPListen {
		srv := &http.Server{Addr: listen, Handler: apiServer}
		servers = append(servers, srv)
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("api server failed")
			}
		}(srv)
	}
	defer func() {
		for _, srv := range servers {
			_ = srv.Close()
		}
	}()

	return n.Run(ctx)
}
