// Command echoserver runs a tcpserver.Server that writes every received
// payload back to its sender and exposes the server metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/go-asynctcp/logger"
	"github.com/cyberinferno/go-asynctcp/tcpmetrics"
	"github.com/cyberinferno/go-asynctcp/tcpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	host          string
	port          int
	bufferSize    int
	metricsAddr   string
	logLevel      string
	jsonLogOutput bool
}

func main() {
	opts := options{}

	rootCmd := &cobra.Command{
		Use:           "echoserver",
		Short:         "Event-driven TCP echo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.host, "host", "H", "", "Address to bind to (default all interfaces)")
	rootCmd.Flags().IntVarP(&opts.port, "port", "p", 7000, "TCP port to listen on")
	rootCmd.Flags().IntVar(&opts.bufferSize, "buffer-size", 0, "Per-session receive buffer size (default from the socket)")
	rootCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9100", "Address for the /metrics endpoint; empty disables it")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&opts.jsonLogOutput, "json", false, "Write JSON logs instead of console output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}

	log := logger.NewConsoleLogger("echoserver", level)
	if opts.jsonLogOutput {
		log = logger.NewWriterLogger(os.Stdout, "echoserver", level)
	}

	cfg := tcpserver.DefaultConfig(opts.port)
	cfg.Name = "echo"
	cfg.ReceiveBufferSize = opts.bufferSize
	cfg.Logger = log
	if opts.host != "" {
		ip := net.ParseIP(opts.host)
		if ip == nil {
			return fmt.Errorf("invalid host %q", opts.host)
		}
		cfg.IP = ip
	}

	srv := tcpserver.New(cfg)
	srv.OnDataReceived(func(e *tcpserver.Event) {
		_ = srv.Send(e.Session, e.Data)
	})
	srv.OnNetError(func(e *tcpserver.Event) {
		log.Warn(e.Message, logger.Field{Key: "error", Value: e.Err})
	})
	srv.OnOtherException(func(e *tcpserver.Event) {
		log.Error(e.Message, logger.Field{Key: "error", Value: e.Err})
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	tcpmetrics.New(tcpmetrics.WithRegistry(registry), tcpmetrics.WithNamespace("echoserver")).Attach(srv)

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: opts.metricsAddr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}
