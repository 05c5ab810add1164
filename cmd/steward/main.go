package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/broker"
	"github.com/stewardsys/steward/pkg/config"
	"github.com/stewardsys/steward/pkg/exchange"
	"github.com/stewardsys/steward/pkg/identity"
	"github.com/stewardsys/steward/pkg/ipc"
	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/metrics"
	"github.com/stewardsys/steward/pkg/persist"
	"github.com/stewardsys/steward/pkg/pkgmon"
	"github.com/stewardsys/steward/pkg/plugin"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
	"github.com/stewardsys/steward/pkg/store"
	"github.com/stewardsys/steward/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - system management agent",
	Long: `Steward keeps a host in sync with its management server: it
accumulates events from local monitors into a durable queue, exchanges
them with the server on a schedule, and dispatches server directives to
interested plugins.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Steward version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "/etc/steward/broker.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker daemon",
	Long: `Run the broker daemon: the durable message store, the exchange
scheduler, and the IPC surface local clients connect to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runBroker(cfg)
	},
}

func runBroker(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	r := reactor.New()

	storePersist := persist.New(filepath.Join(cfg.DataDir, "message-store"))
	if err := storePersist.Load(); err != nil {
		return err
	}
	messageStore, err := store.New(storePersist, r, cfg.DataDir)
	if err != nil {
		return err
	}
	registerDefaultSchemas(messageStore)
	metrics.RegisterComponent("message-store", true, "")

	idPersist := persist.New(filepath.Join(cfg.DataDir, "identity"))
	if err := idPersist.Load(); err != nil {
		return err
	}
	id := identity.New(idPersist)

	httpTransport := transport.New(cfg.URL)
	exchanger := exchange.New(r, messageStore, httpTransport, id, exchange.Config{
		ExchangeInterval:       cfg.ExchangeInterval(),
		UrgentExchangeInterval: cfg.UrgentExchangeInterval(),
		MaxMessages:            cfg.MaxMessages,
		PreExchangeLeadTime:    cfg.PreExchangeLeadTime(),
	})
	metrics.RegisterComponent("exchange", true, "")

	brokerServer := broker.New(r, exchanger, messageStore, id, cfg, httpTransport)
	ipcServer := ipc.NewServer(r, cfg.SocketPath)
	brokerServer.RegisterMethods(ipcServer)

	registry := plugin.NewRegistry(r, brokerServer, cfg)
	monitor, err := pkgmon.NewWithDataDir(cfg.DataDir, cfg.PackageReporterCommand)
	if err != nil {
		return err
	}
	defer monitor.Store().Close()
	if err := registry.Add(monitor); err != nil {
		return err
	}

	if err := ipcServer.Start(); err != nil {
		return err
	}
	defer ipcServer.Stop()
	metrics.RegisterComponent("broker", true, "")

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr)
	}

	brokerServer.OnExit(func() {
		monitor.Stop()
		r.Stop()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		_, _ = r.Call(func() (interface{}, error) {
			brokerServer.Exit()
			return nil, nil
		})
	}()

	exchanger.Start()
	log.Logger.Info().Str("url", cfg.URL).Str("socket", cfg.SocketPath).
		Msg("broker started")
	metrics.SetVersion(Version)

	// The reactor loop owns all exchange state until Exit stops it.
	r.Run()

	if err := messageStore.Commit(); err != nil {
		return fmt.Errorf("failed to commit message store on shutdown: %w", err)
	}
	log.Logger.Info().Msg("broker stopped")
	return nil
}

// registerDefaultSchemas installs the message types the daemon accepts
// from local clients. The broker offers no method for registering further
// types; the exchange registers its own "resynchronize" type.
func registerDefaultSchemas(s *store.MessageStore) {
	s.AddSchema(schema.NewMessage("register", map[string]schema.Type{
		"computer_title": schema.String{},
		"account_name":   schema.String{},
	}))
	s.AddSchema(schema.NewMessageWithOptional("packages", map[string]schema.Type{
		"installed":     schema.List{Item: schema.Int{}},
		"available":     schema.List{Item: schema.Int{}},
		"not-installed": schema.List{Item: schema.Int{}},
	}, []string{"installed", "available", "not-installed"}))
	s.AddSchema(schema.NewMessage("text-message", map[string]schema.Type{
		"message": schema.String{},
	}))
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

func dialBroker() (*ipc.Client, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return ipc.Dial(cfg.SocketPath)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the broker daemon is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialBroker()
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.Call("ping")
		if err != nil {
			return err
		}
		fmt.Printf("broker answered: %v\n", result)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [json-message]",
	Short: "Enqueue a message through the broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var message bson.M
		if err := json.Unmarshal([]byte(args[0]), &message); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
		urgent, _ := cmd.Flags().GetBool("urgent")

		client, err := dialBroker()
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.Call("send_message", message, urgent)
		if err != nil {
			return err
		}
		fmt.Printf("queued message %v\n", result)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialBroker()
		if err != nil {
			return err
		}
		defer client.Close()

		types, err := client.Call("get_accepted_message_types")
		if err != nil {
			return err
		}
		uuid, err := client.Call("get_server_uuid")
		if err != nil {
			return err
		}
		fmt.Printf("server uuid:    %v\n", uuid)
		fmt.Printf("accepted types: %v\n", types)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the broker daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialBroker()
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := client.Call("exit"); err != nil {
			return err
		}
		fmt.Println("broker stopping")
		return nil
	},
}

func init() {
	sendCmd.Flags().Bool("urgent", false, "Request an urgent exchange")
}
