package lens2

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.viam.com/test"

	impl "github.com/shynome/negortc/signaler"
)

func recv(t *testing.T, inbox <-chan impl.Envelope) impl.Envelope {
	t.Helper()
	select {
	case env, ok := <-inbox:
		test.That(t, ok, test.ShouldBeTrue)
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope received")
	}
	return impl.Envelope{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMailbox(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewServer(0)
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	a, err := NewMailbox(ts.URL, "room", "a")
	test.That(t, err, test.ShouldBeNil)
	defer a.Close()
	b, err := NewMailbox(ts.URL, "room", "")
	test.That(t, err, test.ShouldBeNil)
	defer b.Close()
	test.That(t, b.ID(), test.ShouldNotBeEmpty)

	offer := impl.SDP{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	// posted before b listens
	test.That(t, a.Post(ctx, impl.NewEnvelope("", b.ID(), offer, "camera-1")), test.ShouldBeNil)
	test.That(t, srv.Pending("room/"+b.ID()), test.ShouldEqual, 1)

	inbox, err := b.Subscribe(ctx)
	test.That(t, err, test.ShouldBeNil)
	env := recv(t, inbox)
	test.That(t, env.ID, test.ShouldNotBeEmpty)
	test.That(t, env.From, test.ShouldEqual, "a")
	test.That(t, env.Appendix, test.ShouldEqual, "camera-1")
	desc, err := env.Description()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, desc, test.ShouldResemble, offer)

	answer := impl.SDP{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	test.That(t, a.Post(ctx, impl.NewEnvelope("", b.ID(), answer, "")), test.ShouldBeNil)
	env = recv(t, inbox)
	test.That(t, env.Type, test.ShouldEqual, "answer")

	// handed out envelopes are acknowledged
	waitFor(t, func() bool { return srv.Pending("room/"+b.ID()) == 0 })
	test.That(t, srv.Pending("room/a"), test.ShouldEqual, 0)
}

func TestMailboxRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := NewServer(0)
	srv.User, srv.Password = "user", "secret"
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	offer := impl.SDP{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}

	anon, err := NewMailbox(ts.URL, "room", "a")
	test.That(t, err, test.ShouldBeNil)
	defer anon.Close()
	err = anon.Post(ctx, impl.NewEnvelope("", "b", offer, ""))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "401")
	_, err = anon.Subscribe(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	a, err := NewMailbox(strings.Replace(ts.URL, "http://", "http://user:secret@", 1), "room", "a")
	test.That(t, err, test.ShouldBeNil)
	defer a.Close()
	test.That(t, a.Post(ctx, impl.NewEnvelope("", "b", offer, "")), test.ShouldBeNil)

	// the relay refuses envelopes without a description
	err = a.Post(ctx, impl.Envelope{To: "b", Type: "offer"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "400")
	err = a.Post(ctx, impl.Envelope{Type: "offer", SDP: "v=0"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, srv.Pending("room/b"), test.ShouldEqual, 1)
}

func TestRepositoryExpires(t *testing.T) {
	repo := newRepository(time.Minute)
	repo.add("room/b", &event{id: "1", data: "{}", created: time.Now().Add(-time.Hour)})
	repo.add("room/b", &event{id: "2", data: "{}", created: time.Now()})
	repo.add("room/b", &event{id: "3", data: "{}", created: time.Now()})
	test.That(t, repo.len("room/b"), test.ShouldEqual, 2)

	repo.remove("room/b", "2")
	var ids []string
	for ev := range repo.Replay("room/b", "") {
		ids = append(ids, ev.Id())
	}
	test.That(t, ids, test.ShouldResemble, []string{"3"})
}
