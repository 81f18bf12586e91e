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

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/develata/notevault/pkg/config"
	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/metrics"
	"github.com/develata/notevault/pkg/reposvc"
	"github.com/develata/notevault/pkg/session"
	"github.com/develata/notevault/pkg/syncengine"
	"github.com/develata/notevault/pkg/transport/ws"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const mainRepoName = "main"
const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "notevault",
	Short:   "notevault - a local-first peer-to-peer collaborative note vault",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"notevault version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "notevault.yaml", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openIdentity loads the peer's Ed25519 identity and repo key from
// ledgerDir, generating and persisting them on first run so a restart
// keeps the same peer-id and stays able to decrypt prior sync traffic.
func openIdentity(ledgerDir string) (*crypto.IdentityKeyPair, crypto.RepoKey, error) {
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return nil, crypto.RepoKey{}, fmt.Errorf("create ledger dir: %w", err)
	}

	identityPath := filepath.Join(ledgerDir, "identity.key")
	identity, err := crypto.LoadIdentity(identityPath)
	if err != nil {
		identity, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, crypto.RepoKey{}, fmt.Errorf("generate identity: %w", err)
		}
		if err := crypto.SaveIdentity(identityPath, identity); err != nil {
			return nil, crypto.RepoKey{}, fmt.Errorf("save identity: %w", err)
		}
	}

	repoKeyPath := filepath.Join(ledgerDir, "repo.key")
	repoKey, err := crypto.LoadRepoKey(repoKeyPath)
	if err != nil {
		repoKey, err = crypto.GenerateRepoKey()
		if err != nil {
			return nil, crypto.RepoKey{}, fmt.Errorf("generate repo key: %w", err)
		}
		if err := crypto.SaveRepoKey(repoKeyPath, repoKey); err != nil {
			return nil, crypto.RepoKey{}, fmt.Errorf("save repo key: %w", err)
		}
	}

	return identity, repoKey, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notevault sync daemon",
	Long: `Serve opens the local repo database, scans the vault on disk,
starts the filesystem watcher, and accepts WebSocket connections from
clients and peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		identity, repoKey, err := openIdentity(cfg.LedgerDir)
		if err != nil {
			return err
		}

		mgr, err := reposvc.New(cfg.LedgerDir, mainRepoName)
		if err != nil {
			return fmt.Errorf("open repo manager: %w", err)
		}
		defer mgr.Close()
		mgr.SetIdentity(identity)
		mgr.SetRepoKey(repoKey)

		router, err := session.NewRouter(mgr, cfg.VaultPath, int(cfg.SnapshotDepth), identity.PeerID(), identity)
		if err != nil {
			return fmt.Errorf("build session router: %w", err)
		}
		defer router.Close()

		router.EngineFor(router.MainRepoName()).SetMode(syncengine.ParseSyncMode(string(cfg.SyncMode)))

		fmt.Printf("notevault starting\n  peer-id: %s\n  vault: %s\n  ledger: %s\n", identity.PeerID(), cfg.VaultPath, cfg.LedgerDir)

		if err := router.Scan(); err != nil {
			return fmt.Errorf("initial vault scan: %w", err)
		}
		fmt.Println("✓ initial vault scan complete")

		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		if pollInterval > 0 {
			router.StartPolling(pollInterval)
			fmt.Printf("✓ vault polling every %s\n", pollInterval)
		} else {
			if err := router.StartWatcher(); err != nil {
				return fmt.Errorf("start watcher: %w", err)
			}
			fmt.Println("✓ filesystem watcher running")
		}

		collector := metrics.NewCollector(mgr, router.EngineFor)
		collector.Start()
		defer collector.Stop()

		metrics.RegisterComponent("reposvc", true, "")
		metrics.RegisterComponent("watcher", true, "")
		metrics.RegisterComponent("syncengine", true, "")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		upgrader := websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		}
		var connCounter uint64
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("serve: websocket upgrade failed")
				return
			}
			connCounter++
			connID := fmt.Sprintf("conn-%d", connCounter)
			conn := ws.New(wsConn)
			sess := session.New(router, conn, connID)
			metrics.SessionsActive.Inc()
			go func() {
				defer metrics.SessionsActive.Dec()
				defer conn.Close()
				if err := sess.Run(r.Context()); err != nil {
					log.Logger.Debug().Err(err).Str("conn", connID).Msg("serve: session ended")
				}
			}()
		})

		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		httpServer := &http.Server{Addr: addr, Handler: mux}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}

		var eg errgroup.Group
		eg.Go(func() error {
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("serve: websocket server error")
				return err
			}
			return nil
		})
		fmt.Printf("✓ listening on ws://%s/ws\n", addr)

		if metricsAddr != addr {
			eg.Go(func() error {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Logger.Error().Err(err).Msg("serve: metrics server error")
					return err
				}
				return nil
			})
			fmt.Printf("✓ metrics at http://%s/metrics\n", metricsAddr)
		}

		fmt.Println()
		fmt.Println("notevault is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		if metricsAddr != addr {
			_ = metricsServer.Shutdown(ctx)
		}
		if err := eg.Wait(); err != nil {
			log.Logger.Warn().Err(err).Msg("serve: listener goroutine exited with error")
		}
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:7420", "WebSocket listen address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:7421", "Metrics/health listen address")
	serveCmd.Flags().Duration("poll-interval", 0, "Scan the vault on this interval instead of watching it (for network mounts)")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reconcile the vault on disk with the local ledger and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		identity, repoKey, err := openIdentity(cfg.LedgerDir)
		if err != nil {
			return err
		}

		mgr, err := reposvc.New(cfg.LedgerDir, mainRepoName)
		if err != nil {
			return fmt.Errorf("open repo manager: %w", err)
		}
		defer mgr.Close()
		mgr.SetIdentity(identity)
		mgr.SetRepoKey(repoKey)

		router, err := session.NewRouter(mgr, cfg.VaultPath, int(cfg.SnapshotDepth), identity.PeerID(), identity)
		if err != nil {
			return fmt.Errorf("build session router: %w", err)
		}
		defer router.Close()

		if err := router.Scan(); err != nil {
			return fmt.Errorf("scan vault: %w", err)
		}
		fmt.Println("✓ scan complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local repo's version vector and pending sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		identity, repoKey, err := openIdentity(cfg.LedgerDir)
		if err != nil {
			return err
		}

		mgr, err := reposvc.New(cfg.LedgerDir, mainRepoName)
		if err != nil {
			return fmt.Errorf("open repo manager: %w", err)
		}
		defer mgr.Close()
		mgr.SetIdentity(identity)
		mgr.SetRepoKey(repoKey)

		router, err := session.NewRouter(mgr, cfg.VaultPath, int(cfg.SnapshotDepth), identity.PeerID(), identity)
		if err != nil {
			return fmt.Errorf("build session router: %w", err)
		}
		defer router.Close()

		fmt.Printf("peer-id: %s\n", identity.PeerID())
		fmt.Printf("vault:   %s\n", cfg.VaultPath)
		fmt.Printf("sync:    %s\n", cfg.SyncMode)

		engine := router.EngineFor(router.MainRepoName())
		vv := engine.VersionVector()
		fmt.Println("version vector:")
		for peer, seq := range vv.Snapshot() {
			fmt.Printf("  %s: %d\n", peer, seq)
		}

		pending := engine.PendingInfo()
		fmt.Printf("pending ops: %d\n", pending.Count)

		repos, err := mgr.ListRepos(nil)
		if err != nil {
			return fmt.Errorf("list repos: %w", err)
		}
		fmt.Printf("local repos: %v\n", repos)

		shadows, err := mgr.ListShadowsOnDisk()
		if err != nil {
			return fmt.Errorf("list shadows: %w", err)
		}
		fmt.Printf("known peers: %v\n", shadows)
		return nil
	},
}
