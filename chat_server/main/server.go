package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatrelay/chat_server/config"
	"chatrelay/chat_server/db"
	"chatrelay/chat_server/internal"
	"chatrelay/chat_server/rdb"
	"chatrelay/tools/logging"
)

// operatorNotice is broadcast when the server is stopped by a signal instead of EXIT.
const operatorNotice = "The server is shutting down"

var (
	// Global flags
	configPath  string
	verbose     bool
	port        string
	address     string
	wsAddress   string
	idleTimeout time.Duration

	cfg    *config.Config
	logger *logging.Logger
)

// rootCmd starts the relay
var rootCmd = &cobra.Command{
	Use:   "chat-server",
	Short: "Line based chat relay",
	Long: `chat-server relays every line a client sends to all connected clients.

Lines are plain text terminated by a newline, conventionally "<name>: <text>".
Any client sending "<name>: EXIT" stops the server for everybody.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd)
		warnings := cfg.Normalize()

		logCfg := logging.DefaultConfig()
		logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
		logCfg.Development = cfg.Logging.Development
		if verbose {
			logCfg.Level = logging.DebugLevel
		}
		logger, err = logging.New(logCfg)
		if err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}

		for _, warning := range warnings {
			logger.Warn(warning)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (missing file = defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (every relayed line)")
	rootCmd.Flags().StringVarP(&port, "port", "p", "", fmt.Sprintf("TCP port (default %d)", config.DefaultPort))
	rootCmd.Flags().StringVarP(&address, "address", "a", "", "Bind address (default all interfaces)")
	rootCmd.Flags().StringVar(&wsAddress, "ws-address", "", "HTTP address of the WebSocket transport, e.g. :8080")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Disconnect clients silent for this long (0 = never)")
}

// applyFlags lets explicitly set flags win over the config file.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Listen.Port = config.ParsePort(port)
	}
	if flags.Changed("address") {
		cfg.Listen.Address = address
	}
	if flags.Changed("ws-address") {
		cfg.Listen.WebSocket = wsAddress
	}
	if flags.Changed("idle-timeout") {
		cfg.Session.IdleTimeout = idleTimeout.String()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		report(err)
		os.Exit(1)
	}
}

// report logs the error ending the command. Errors raised before the logger exists,
// such as a bad flag or an unreadable config file, go to stderr.
func report(err error) {
	if logger == nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	fields := logging.Fields{"error": err.Error()}
	var bind *internal.BindFailure
	if errors.As(err, &bind) {
		fields["addr"] = bind.Addr
		logger.Error("cannot bind listening address", fields)
	} else {
		logger.Error("chat-server failed", fields)
	}
	_ = logger.Sync()
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return &internal.BindFailure{Addr: cfg.ListenAddr(), Err: err}
	}

	options := []internal.Option{
		internal.WithLogger(logger.Named("broker")),
		internal.WithIdleTimeout(cfg.GetIdleTimeout()),
		internal.WithWriteTimeout(cfg.GetWriteTimeout()),
		internal.WithOutboxSize(cfg.Session.OutboxSize),
		internal.WithHistoryGreets(cfg.Session.HistoryGreets),
		internal.WithShutdownTimeout(cfg.GetShutdownTimeout()),
	}

	if mirror := openMirror(ctx); mirror != nil {
		defer mirror.Close()
		options = append(options, internal.WithMirror(mirror))
	}
	if audit := openAudit(ctx); audit != nil {
		defer audit.Close()
		options = append(options, internal.WithAudit(audit))
	}

	store := internal.NewMessageStore(logger.Named("store"))
	broker, err := internal.New(store, options...)
	if err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Serve(ln)
	})

	if cfg.Listen.WebSocket != "" {
		if err := serveWebSocket(g, broker); err != nil {
			broker.Shutdown(operatorNotice)
			<-broker.Done()
			g.Wait()
			return err
		}
	}

	g.Go(func() error {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)

		select {
		case sig := <-signals:
			logger.Info("received signal, shutting down", logging.Fields{"signal": sig.String()})
			broker.Shutdown(operatorNotice)
		case <-gctx.Done():
			broker.Shutdown(operatorNotice)
		case <-broker.Done():
		}
		return nil
	})

	err = g.Wait()
	<-broker.Done()
	if err != nil {
		return err
	}
	logger.Info("server closed", logging.Fields{"lines": store.Len()})
	return nil
}

func serveWebSocket(g *errgroup.Group, broker *internal.Broker) error {
	wsLn, err := net.Listen("tcp", cfg.Listen.WebSocket)
	if err != nil {
		return &internal.BindFailure{Addr: cfg.Listen.WebSocket, Err: err}
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.WebSocketPath, broker.WebSocketHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	broker.CloseOnShutdown(srv)

	logger.Info("websocket transport listening", logging.Fields{
		"addr": wsLn.Addr().String(),
		"path": cfg.Listen.WebSocketPath,
	})
	g.Go(func() error {
		if err := srv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "websocket transport")
		}
		return nil
	})
	return nil
}

// openMirror connects the Redis history mirror. Failure only disables the mirror.
func openMirror(ctx context.Context) *rdb.Mirror {
	if !cfg.Redis.Enabled {
		return nil
	}
	mirror, err := rdb.NewMirror(ctx, mirrorOptions())
	if err != nil {
		logger.Warn("redis unavailable, history mirror disabled", logging.Fields{"error": err.Error()})
		return nil
	}
	if err := mirror.Reset(ctx); err != nil {
		logger.Warn("redis reset failed, history mirror disabled", logging.Fields{"error": err.Error()})
		mirror.Close()
		return nil
	}
	logger.Info("history mirror enabled", logging.Fields{"addr": cfg.Redis.Addr})
	return mirror
}

func mirrorOptions() rdb.Options {
	return rdb.Options{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		HistoryMaxLen: cfg.Redis.HistoryMaxLen,
	}
}

// openAudit connects the MySQL session audit. Failure only disables the audit.
func openAudit(ctx context.Context) *db.SessionAudit {
	if !cfg.Audit.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	audit, err := db.OpenSessionAudit(ctx, cfg.Audit.DSN)
	if err != nil {
		logger.Warn("audit database unavailable, session audit disabled", logging.Fields{"error": err.Error()})
		return nil
	}
	logger.Info("session audit enabled")
	return audit
}
