package cli

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/app"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Remote  string
	Addr    string
	DataDir string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its local API",
		Long: `Run the sync engine until interrupted.

The engine stores every change locally first and pushes it to the remote
store when the network allows. The local API and WebSocket feed listen on
http.addr unless http.enabled is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serveConfig(rootOpts, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Remote, "remote", "", "remote mode override (http|memory)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "local API listen address override")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory override")

	return cmd
}

// serveConfig applies flag overrides on top of the configuration file and
// validates the result.
func serveConfig(rootOpts *RootOptions, opts *ServeOptions) (*config.Config, error) {
	cfg, err := config.Read(rootOpts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Remote != "" {
		cfg.Remote.Mode = opts.Remote
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
		cfg.HTTP.Enabled = true
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app.ConfigureLogging(cfg.Log)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

// DevRemoteOptions holds flags for the dev-remote command.
type DevRemoteOptions struct {
	Addr  string
	Token string
}

// NewDevRemoteCommand creates a command serving an in-memory remote store
// over the wire protocol the engine's HTTP remote speaks. It is meant for
// local development and demos.
func NewDevRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevRemoteOptions{}

	cmd := &cobra.Command{
		Use:   "dev-remote",
		Short: "Serve an in-memory remote store for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", opts.Addr)
			if err != nil {
				return err
			}
			return serveDevRemote(ctx, ln, opts.Token)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8091", "listen address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token required on record routes")

	return cmd
}

func serveDevRemote(ctx context.Context, ln net.Listener, token string) error {
	srv := &http.Server{
		Handler:           remote.NewHandler(remote.NewMemoryStore(), token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Info("Development remote store listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
