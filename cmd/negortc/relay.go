package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/shynome/negortc"
	"github.com/shynome/negortc/signaler/lens2"
	"github.com/shynome/negortc/signaler/ws"
)

const defaultListenAddr = "127.0.0.1:8780"

func commandRelay() *cobra.Command {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket and server-sent events relays",
		Run: func(cmd *cobra.Command, args []string) {
			if err := relay(cmd); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	relayCmd.Flags().String("listen", defaultListenAddr, "TCP listen address")
	relayCmd.Flags().String("user", "", "Basic auth user required by /sse, disabled when empty")
	relayCmd.Flags().String("password", "", "Basic auth password required by /sse")
	relayCmd.Flags().Duration("lifetime", lens2.DefaultLifetime, "How long /sse keeps unacknowledged envelopes")
	return relayCmd
}

func relay(cmd *cobra.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	lf := negortc.ZapLoggerFactory{Logger: logger}

	listenAddr, _ := cmd.Flags().GetString("listen")
	lifetime, _ := cmd.Flags().GetDuration("lifetime")

	wsServer := ws.NewServer(lf)
	sseServer := lens2.NewServer(lifetime)
	sseServer.User, _ = cmd.Flags().GetString("user")
	sseServer.Password, _ = cmd.Flags().GetString("password")

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.Handle("/sse", sseServer)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Infow("relay listening", "addr", listenAddr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
	}
	logger.Infow("relay stopping")
	// open streams would hold Shutdown, end them first
	err = multierr.Combine(wsServer.Close(), sseServer.Close())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Append(err, srv.Shutdown(shutdownCtx))
}
