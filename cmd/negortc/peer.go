package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/shynome/negortc"
	"github.com/shynome/negortc/signaler"
	"github.com/shynome/negortc/signaler/lens2"
	"github.com/shynome/negortc/signaler/mongodb"
	"github.com/shynome/negortc/signaler/ws"
)

const defaultSignaler = "ws://" + defaultListenAddr + "/ws"

func peerFlags(cmd *cobra.Command) {
	cmd.Flags().String("signaler", defaultSignaler, "Relay URL: ws(s)://host/ws, http(s)://host/sse or mongodb://host/db")
	cmd.Flags().String("key", "", "Session key shared by both parties")
	cmd.Flags().StringArray("ice-server", nil, "STUN or TURN server URL, may be repeated")
	cmd.Flags().Uint16("udp-port", 0, "Share one UDP port between all connections, 0 uses ephemeral ports")
	cmd.Flags().Bool("loopback", false, "Gather loopback candidates")
	cmd.MarkFlagRequired("key")
}

func commandOffer() *cobra.Command {
	offerCmd := &cobra.Command{
		Use:   "offer",
		Short: "Dial a peer and keep the connection open until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			if err := offer(cmd); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	peerFlags(offerCmd)
	offerCmd.Flags().String("peer", signaler.CenterID, "Id of the answering party")
	offerCmd.Flags().String("appendix", "", "Free-form text sent along with the offer")
	offerCmd.Flags().Duration("timeout", 30*time.Second, "Negotiation timeout")
	return offerCmd
}

func commandAnswer() *cobra.Command {
	answerCmd := &cobra.Command{
		Use:   "answer",
		Short: "Answer every offer made to this party until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			if err := answer(cmd); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	peerFlags(answerCmd)
	answerCmd.Flags().String("id", signaler.CenterID, "Id offers are addressed to")
	return answerCmd
}

type peerSetup struct {
	logger  *zap.SugaredLogger
	lf      negortc.ZapLoggerFactory
	api     *negortc.API
	mailbox signaler.Mailbox
	closers []func()
}

func (s *peerSetup) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.logger.Sync()
}

func newPeerSetup(ctx context.Context, cmd *cobra.Command, id string) (s *peerSetup, err error) {
	logger, err := newLogger(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	s = &peerSetup{logger: logger, lf: negortc.ZapLoggerFactory{Logger: logger}}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	config := negortc.Config{LoggerFactory: s.lf}
	if urls, _ := cmd.Flags().GetStringArray("ice-server"); len(urls) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	config.UDPPort, _ = cmd.Flags().GetUint16("udp-port")
	config.IncludeLoopback, _ = cmd.Flags().GetBool("loopback")
	if s.api, err = config.NewAPI(); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { s.api.Close() })

	endpoint, _ := cmd.Flags().GetString("signaler")
	key, _ := cmd.Flags().GetString("key")
	if s.mailbox, err = s.openMailbox(ctx, endpoint, key, id); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { s.mailbox.Close() })
	return s, nil
}

func (s *peerSetup) openMailbox(ctx context.Context, endpoint, key, id string) (signaler.Mailbox, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid signaler url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return ws.Dial(ctx, endpoint, key, id)
	case "http", "https":
		m, err := lens2.NewMailbox(endpoint, key, id)
		if err != nil {
			return nil, err
		}
		m.SetLogger(s.lf.NewLogger("lens2"))
		return m, nil
	case "mongodb", "mongodb+srv":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { client.Disconnect(context.Background()) })
		db := strings.Trim(u.Path, "/")
		if db == "" {
			db = "negortc"
		}
		m, err := mongodb.NewMailbox(ctx, client, db, key, id)
		if err != nil {
			return nil, err
		}
		m.SetLogger(s.lf.NewLogger("mongodb"))
		return m, nil
	}
	return nil, fmt.Errorf("unsupported signaler scheme %q", u.Scheme)
}

func offer(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newPeerSetup(ctx, cmd, "")
	if err != nil {
		return err
	}
	defer s.Close()

	appendix, _ := cmd.Flags().GetString("appendix")
	opts := []negortc.Option{negortc.WithLoggerFactory(s.lf), negortc.WithAppendix(appendix)}
	sb, err := negortc.NewSwitchboard(ctx, s.mailbox, opts...)
	if err != nil {
		return err
	}
	defer sb.Close()

	peer, _ := cmd.Flags().GetString("peer")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.logger.Infow("dialing", "id", sb.ID(), "peer", peer)
	sess, err := negortc.Dial(dialCtx, s.api, sb, peer, nil, opts...)
	if err != nil {
		return err
	}
	defer sess.Close()
	return hold(ctx, s.logger, sess)
}

func answer(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, _ := cmd.Flags().GetString("id")
	s, err := newPeerSetup(ctx, cmd, id)
	if err != nil {
		return err
	}
	defer s.Close()

	l, err := negortc.Listen(ctx, s.api, s.mailbox, negortc.WithLoggerFactory(s.lf))
	if err != nil {
		return err
	}
	defer l.Close()
	s.logger.Infow("answering", "id", l.ID())

	for {
		sess, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer sess.Close()
			hold(ctx, s.logger, sess)
		}()
	}
}

// hold logs the lifecycle of sess until it closes or ctx ends.
func hold(ctx context.Context, logger *zap.SugaredLogger, sess *negortc.Session) error {
	logger = logger.With("remote", sess.Remote)
	logger.Infow("negotiated", "appendix", sess.Appendix)
	select {
	case <-sess.Ready():
		logger.Infow("side channels open")
	case <-sess.Done():
		logger.Infow("connection closed")
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case <-sess.Done():
		logger.Infow("connection closed")
	case <-ctx.Done():
	}
	return nil
}
