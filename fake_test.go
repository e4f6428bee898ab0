package negortc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// fakeTransport is an in-memory Transport. It follows the signaling state
// machine closely enough for the negotiation to run against it.
type fakeTransport struct {
	mu             sync.Mutex
	signaling      webrtc.SignalingState
	gatheringState webrtc.ICEGatheringState
	local          *SDP
	stableLocal    *SDP
	transceivers   []*fakeTransceiver
	channels       map[uint16]*fakeChannel
	holdGathering  bool
	errs           map[string]error
	offers         int
	answers        int
	version        int
	closed         bool

	gathering *emitter[webrtc.ICEGatheringState]
	needed    *emitter[struct{}]
	closedE   *emitter[struct{}]

	network *fakeNetwork
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		signaling:      webrtc.SignalingStateStable,
		gatheringState: webrtc.ICEGatheringStateNew,
		channels:       make(map[uint16]*fakeChannel),
		errs:           make(map[string]error),
		gathering:      newEmitter[webrtc.ICEGatheringState](),
		needed:         newEmitter[struct{}](),
		closedE:        newEmitter[struct{}](),
	}
}

type fakeTransceiver struct {
	mid      string
	sender   string
	receiver string
}

func (t *fakeTransceiver) Mid() string             { return t.mid }
func (t *fakeTransceiver) SenderTrackID() string   { return t.sender }
func (t *fakeTransceiver) ReceiverTrackID() string { return t.receiver }

func (t *fakeTransport) fail(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs[op]
}

func (t *fakeTransport) setErr(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[op] = err
}

func (t *fakeTransport) describe(typ webrtc.SDPType) SDP {
	t.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- 1 %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", t.version)
	for _, tr := range t.transceivers {
		fmt.Fprintf(&b, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:%s\r\n", tr.mid)
		if tr.sender != "" {
			fmt.Fprintf(&b, "a=msid:- %s\r\n", tr.sender)
		}
	}
	if len(t.channels) > 0 {
		b.WriteString("m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\na=mid:data\r\n")
	}
	return SDP{Type: typ, SDP: b.String()}
}

func (t *fakeTransport) CreateOffer(*webrtc.OfferOptions) (SDP, error) {
	if err := t.fail("offer"); err != nil {
		return SDP{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return t.describe(webrtc.SDPTypeOffer), nil
}

func (t *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (SDP, error) {
	if err := t.fail("answer"); err != nil {
		return SDP{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return SDP{}, errors.New("no remote offer to answer")
	}
	t.answers++
	return t.describe(webrtc.SDPTypeAnswer), nil
}

func (t *fakeTransport) SetLocalDescription(desc SDP) error {
	if err := t.fail("local"); err != nil {
		return err
	}
	t.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeRollback && t.signaling == webrtc.SignalingStateHaveLocalOffer:
		t.signaling = webrtc.SignalingStateStable
		t.local = t.stableLocal
		t.mu.Unlock()
		return nil
	case desc.Type == webrtc.SDPTypeOffer && t.signaling == webrtc.SignalingStateStable,
		desc.Type == webrtc.SDPTypeOffer && t.signaling == webrtc.SignalingStateHaveLocalOffer:
		t.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && t.signaling == webrtc.SignalingStateHaveRemoteOffer:
		t.signaling = webrtc.SignalingStateStable
		t.stableLocal = &desc
	default:
		state := t.signaling
		t.mu.Unlock()
		return errors.Errorf("set local %s in state %s", desc.Type, state)
	}
	t.local = &desc
	t.gatheringState = webrtc.ICEGatheringStateGathering
	hold := t.holdGathering
	t.mu.Unlock()

	t.gathering.emit(webrtc.ICEGatheringStateGathering)
	if !hold {
		go t.completeGathering()
	}
	return nil
}

func (t *fakeTransport) completeGathering() {
	t.mu.Lock()
	t.gatheringState = webrtc.ICEGatheringStateComplete
	t.mu.Unlock()
	t.gathering.emit(webrtc.ICEGatheringStateComplete)
}

func (t *fakeTransport) SetRemoteDescription(desc SDP) error {
	if err := t.fail("remote"); err != nil {
		return err
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && t.signaling == webrtc.SignalingStateStable:
		t.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && t.signaling == webrtc.SignalingStateHaveLocalOffer:
		t.signaling = webrtc.SignalingStateStable
		t.stableLocal = t.local
	default:
		return errors.Errorf("set remote %s in state %s", desc.Type, t.signaling)
	}
	for _, m := range parsed.MediaDescriptions {
		mid, _ := m.Attribute(sdp.AttrKeyMID)
		if mid == "data" {
			continue
		}
		var sender string
		if msid, ok := m.Attribute("msid"); ok {
			if parts := strings.Fields(msid); len(parts) == 2 {
				sender = parts[1]
			}
		}
		tr := t.transceiver(mid)
		if tr == nil {
			tr = &fakeTransceiver{mid: mid}
			t.transceivers = append(t.transceivers, tr)
		}
		if sender != "" {
			tr.receiver = "recv-" + sender
		}
	}
	return nil
}

func (t *fakeTransport) transceiver(mid string) *fakeTransceiver {
	for _, tr := range t.transceivers {
		if tr.mid == mid {
			return tr
		}
	}
	return nil
}

// addTrack starts sending track on a new media line.
func (t *fakeTransport) addTrack(id string) {
	t.mu.Lock()
	t.transceivers = append(t.transceivers, &fakeTransceiver{
		mid:    strconv.Itoa(len(t.transceivers)),
		sender: id,
	})
	t.mu.Unlock()
	t.needed.emit(struct{}{})
}

func (t *fakeTransport) LocalDescription() *SDP {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

func (t *fakeTransport) ICEGatheringState() webrtc.ICEGatheringState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gatheringState
}

func (t *fakeTransport) WatchGathering(fn func(webrtc.ICEGatheringState)) func() {
	return t.gathering.add(fn)
}

func (t *fakeTransport) WatchNegotiationNeeded(fn func()) func() {
	return t.needed.add(func(struct{}) { fn() })
}

func (t *fakeTransport) WatchClosed(fn func()) func() {
	return t.closedE.add(func(struct{}) { fn() })
}

func (t *fakeTransport) CreateChannel(label string, id uint16) (Channel, error) {
	if err := t.fail("channel"); err != nil {
		return nil, err
	}
	ch := newFakeChannel(label)
	t.mu.Lock()
	t.channels[id] = ch
	network := t.network
	t.mu.Unlock()
	if network != nil {
		network.link(t, id, ch)
	}
	return ch, nil
}

func (t *fakeTransport) Transceivers() (ts []Transceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.transceivers {
		ts = append(ts, tr)
	}
	return
}

func (t *fakeTransport) channel(id uint16) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[id]
}

func (t *fakeTransport) counts() (offers, answers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers, t.answers
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	t.closedE.emit(struct{}{})
	return nil
}

// fakeNetwork pairs the channels two fake transports create with the same id.
type fakeNetwork struct {
	mu    sync.Mutex
	a, b  *fakeTransport
	links map[uint16][2]*fakeChannel
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{
		a:     newFakeTransport(),
		b:     newFakeTransport(),
		links: make(map[uint16][2]*fakeChannel),
	}
	n.a.network, n.b.network = n, n
	return n
}

func (n *fakeNetwork) link(t *fakeTransport, id uint16, ch *fakeChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pair := n.links[id]
	if t == n.a {
		pair[0] = ch
	} else {
		pair[1] = ch
	}
	n.links[id] = pair
	if pair[0] != nil && pair[1] != nil {
		pair[0].peer, pair[1].peer = pair[1], pair[0]
	}
}

// connect opens every paired channel, as an established connection would.
func (n *fakeNetwork) connect() {
	n.mu.Lock()
	var chs []*fakeChannel
	for _, pair := range n.links {
		if pair[0] != nil && pair[1] != nil {
			chs = append(chs, pair[0], pair[1])
		}
	}
	n.mu.Unlock()
	for _, ch := range chs {
		ch.open()
	}
}

// fakeChannel delivers to its peer in order on a dedicated goroutine. Without
// a peer, sent frames are kept in sent.
type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	peer      *fakeChannel

	queue  chan string
	sent   chan string
	opened chan struct{}
	done   chan struct{}
}

var _ Channel = (*fakeChannel)(nil)

func newFakeChannel(label string) *fakeChannel {
	ch := &fakeChannel{
		label: label,
		state: webrtc.DataChannelStateConnecting,
		queue:  make(chan string, 64),
		sent:   make(chan string, 64),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go ch.pump()
	return ch
}

func (ch *fakeChannel) pump() {
	select {
	case <-ch.opened:
	case <-ch.done:
		return
	}
	for {
		select {
		case data := <-ch.queue:
			ch.deliver(data)
		case <-ch.done:
			return
		}
	}
}

func (ch *fakeChannel) deliver(data string) {
	ch.mu.Lock()
	fn := ch.onMessage
	ch.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{IsString: true, Data: []byte(data)})
	}
}

func (ch *fakeChannel) open() {
	ch.mu.Lock()
	if ch.state != webrtc.DataChannelStateConnecting {
		ch.mu.Unlock()
		return
	}
	ch.state = webrtc.DataChannelStateOpen
	fn := ch.onOpen
	close(ch.opened)
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *fakeChannel) Label() string { return ch.label }

func (ch *fakeChannel) ReadyState() webrtc.DataChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *fakeChannel) SendText(s string) error {
	ch.mu.Lock()
	state, peer := ch.state, ch.peer
	ch.mu.Unlock()
	if state != webrtc.DataChannelStateOpen {
		return errors.Errorf("channel %s is %s", ch.label, state)
	}
	if peer != nil {
		peer.queue <- s
		return nil
	}
	ch.sent <- s
	return nil
}

func (ch *fakeChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	open := ch.state == webrtc.DataChannelStateOpen
	ch.mu.Unlock()
	if open {
		go fn()
	}
}

func (ch *fakeChannel) OnClose(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onClose = fn
}

func (ch *fakeChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = fn
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	if ch.state == webrtc.DataChannelStateClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.state = webrtc.DataChannelStateClosed
	fn := ch.onClose
	ch.mu.Unlock()
	close(ch.done)
	if fn != nil {
		fn()
	}
	return nil
}

// pipeRelay hands descriptions to its twin.
type pipeRelay struct {
	out     chan SDP
	in      chan SDP
	sendErr error
	recvErr error
	onSend  func(SDP)
}

func newPipeRelays() (*pipeRelay, *pipeRelay) {
	ab, ba := make(chan SDP, 1), make(chan SDP, 1)
	return &pipeRelay{out: ab, in: ba}, &pipeRelay{out: ba, in: ab}
}

func (r *pipeRelay) SendDescription(ctx context.Context, desc SDP) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	if r.onSend != nil {
		r.onSend(desc)
	}
	select {
	case r.out <- desc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *pipeRelay) RemoteDescription(ctx context.Context) (SDP, error) {
	if r.recvErr != nil {
		return SDP{}, r.recvErr
	}
	select {
	case desc := <-r.in:
		return desc, nil
	case <-ctx.Done():
		return SDP{}, ctx.Err()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recvFrame(t *testing.T, ch *fakeChannel) string {
	t.Helper()
	select {
	case s := <-ch.sent:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent")
	}
	return ""
}

func noFrame(t *testing.T, ch *fakeChannel) {
	t.Helper()
	select {
	case s := <-ch.sent:
		t.Fatalf("unexpected frame %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// negotiatedPair runs the first exchange between the two sides of a fake
// network and opens the side channels.
func negotiatedPair(t *testing.T) (n *fakeNetwork, offerer, answerer *Conn) {
	t.Helper()
	n = newFakeNetwork()
	offerer, answerer = NewConn(n.a), NewConn(n.b)
	ra, rb := newPipeRelays()

	errs := make(chan error, 2)
	go func() { errs <- offerer.Negotiate(context.Background(), RoleOffer, ra) }()
	go func() { errs <- answerer.Negotiate(context.Background(), RoleAnswer, rb) }()
	test.That(t, <-errs, test.ShouldBeNil)
	test.That(t, <-errs, test.ShouldBeNil)

	n.connect()
	for _, c := range []*Conn{offerer, answerer} {
		select {
		case <-c.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("side channels did not open")
		}
	}
	return
}
