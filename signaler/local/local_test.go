package local

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"github.com/shynome/negortc/signaler"
)

func TestMailbox(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hub = NewHub()
	s1, s2 := hub.Mailbox("room", "s1"), hub.Mailbox("room", "s2")
	defer s1.Close()
	defer s2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offer := signaler.SDP{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	err := s2.Post(ctx, signaler.NewEnvelope("", "s1", offer, "hello"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hub.Pending("room", "s1"), test.ShouldEqual, 1)

	ch, err := s1.Subscribe(ctx)
	test.That(t, err, test.ShouldBeNil)
	env := <-ch
	test.That(t, env.From, test.ShouldEqual, "s2")
	test.That(t, env.Appendix, test.ShouldEqual, "hello")
	desc, err := env.Description()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc.Type, test.ShouldEqual, webrtc.SDPTypeOffer)
	test.That(t, hub.Pending("room", "s1"), test.ShouldEqual, 0)

	cancel()
	_, ok := <-ch
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMailboxKeysAreIsolated(t *testing.T) {
	hub := NewHub()
	a := hub.Mailbox("one", "peer")
	b := hub.Mailbox("two", "sender")
	defer a.Close()
	defer b.Close()

	answer := signaler.SDP{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	test.That(t, b.Post(context.Background(), signaler.NewEnvelope("", "peer", answer, "")), test.ShouldBeNil)
	test.That(t, hub.Pending("one", "peer"), test.ShouldEqual, 0)
	test.That(t, hub.Pending("two", "peer"), test.ShouldEqual, 1)
}

func TestMailboxClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub()
	m := hub.Mailbox("room", "")
	test.That(t, m.ID(), test.ShouldNotBeBlank)

	ch, err := m.Subscribe(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Close(), test.ShouldBeNil)
	_, ok := <-ch
	test.That(t, ok, test.ShouldBeFalse)

	err = m.Post(context.Background(), signaler.Envelope{To: "x"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = m.Subscribe(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}
