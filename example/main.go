// Command example negotiates two in-process peers over the local relay,
// adds an audio track to the offering side afterwards and resolves the id
// the answering side received it under.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/shynome/negortc"
	"github.com/shynome/negortc/signaler"
	"github.com/shynome/negortc/signaler/local"
)

const localTrackID = "audio-1"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	remoteID, err := run(ctx, local.NewHub(), logging.NewDefaultLoggerFactory())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("local track %s is received as %s\n", localTrackID, remoteID)
}

func run(ctx context.Context, hub *local.Hub, lf logging.LoggerFactory) (remoteID string, err error) {
	api, err := negortc.Config{IncludeLoopback: true, LoggerFactory: lf}.NewAPI()
	if err != nil {
		return "", err
	}
	defer api.Close()

	opts := []negortc.Option{negortc.WithLoggerFactory(lf)}
	l, err := negortc.Listen(ctx, api, hub.Mailbox("example", signaler.CenterID), opts...)
	if err != nil {
		return "", err
	}
	defer l.Close()

	sb, err := negortc.NewSwitchboard(ctx, hub.Mailbox("example", ""), append(opts, negortc.WithAppendix("example"))...)
	if err != nil {
		return "", err
	}
	defer sb.Close()

	accepted := make(chan *negortc.Session, 1)
	go func() {
		sess, err := l.Accept(ctx)
		if err == nil {
			accepted <- sess
		}
	}()
	sess, err := negortc.Dial(ctx, api, sb, signaler.CenterID, nil, opts...)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var remote *negortc.Session
	select {
	case remote = <-accepted:
		defer remote.Close()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case <-sess.Ready():
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// the track is negotiated over the side channel
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, localTrackID, "example")
	if err != nil {
		return "", err
	}
	if _, err = sess.Peer.AddTrack(track); err != nil {
		return "", err
	}

	for {
		remoteID, err = sess.ResolveRemoteID(ctx, localTrackID)
		if err == nil {
			return remoteID, nil
		}
		var enquiryErr *negortc.RemoteEnquiryError
		if !errors.Is(err, negortc.ErrUnknownTrack) && !errors.As(err, &enquiryErr) {
			return "", err
		}
		// not renegotiated yet
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
