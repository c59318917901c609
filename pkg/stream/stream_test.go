package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-echo/internal/metrics"
	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/codec"
	"github.com/teslashibe/go-echo/pkg/reply"
)

func echo(_ context.Context, seg audio.Segment) iter.Seq2[audio.Segment, error] {
	return func(yield func(audio.Segment, error) bool) {
		yield(seg, nil)
	}
}

func newEchoStream(t *testing.T, opts ...Option) *Stream {
	t.Helper()
	r, err := reply.OnPause(echo)
	require.NoError(t, err)
	s, err := New(r, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// recordingFactory collects every frame handed to its responders.
type recordingFactory struct {
	mu     sync.Mutex
	frames []audio.Segment
}

func (f *recordingFactory) NewResponder(context.Context, reply.Emitter, reply.Observer) reply.Responder {
	return f
}

func (f *recordingFactory) Receive(frame audio.Segment) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *recordingFactory) Close() {}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestNew_Validation(t *testing.T) {
	r, err := reply.OnPause(echo)
	require.NoError(t, err)

	tests := []struct {
		name    string
		handler reply.Factory
		opts    []Option
		wantErr error
	}{
		{"defaults", r, nil, nil},
		{"explicit audio send-receive", r, []Option{WithModality(ModalityAudio), WithMode(ModeSendReceive)}, nil},
		{"nil handler", nil, nil, ErrNilHandler},
		{"video", r, []Option{WithModality(ModalityVideo)}, ErrUnsupportedModality},
		{"audio-video", r, []Option{WithModality(ModalityAudioVideo)}, ErrUnsupportedModality},
		{"send only", r, []Option{WithMode(ModeSend)}, ErrUnsupportedMode},
		{"receive only", r, []Option{WithMode(ModeReceive)}, ErrUnsupportedMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.handler, tt.opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			s.Close()
		})
	}

	_, err = New(r, WithConcurrencyLimit(-1))
	assert.Error(t, err)
	_, err = New(r, WithTimeLimit(-time.Second))
	assert.Error(t, err)
}

func TestConfig(t *testing.T) {
	s := newEchoStream(t)
	cfg := s.Config()
	assert.Equal(t, ModalityAudio, cfg.Modality)
	assert.Equal(t, ModeSendReceive, cfg.Mode)
	assert.Equal(t, 1, cfg.ConcurrencyLimit)
	assert.Zero(t, cfg.TimeLimit)

	s2 := newEchoStream(t, WithICEServers("stun:a", "stun:b"), WithConcurrencyLimit(0))
	cfg = s2.Config()
	cfg.ICEServers[0] = "mutated"
	assert.Equal(t, []string{"stun:a", "stun:b"}, s2.Config().ICEServers)
	assert.Equal(t, 0, s2.Config().ConcurrencyLimit)
}

func TestConcurrencyLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newEchoStream(t, WithConcurrencyLimit(2), WithMetrics(m))

	a, err := s.openSession("a", TransportWebsocket)
	require.NoError(t, err)
	_, err = s.openSession("a", TransportWebsocket)
	assert.ErrorIs(t, err, ErrSessionExists)
	_, err = s.openSession("b", TransportWebRTC)
	require.NoError(t, err)
	_, err = s.openSession("c", TransportWebRTC)
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	assert.Equal(t, 2, s.ActiveSessions())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("webrtc")))

	a.close("test")
	a.close("test again")
	assert.Equal(t, 1, s.ActiveSessions())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("websocket")))

	_, err = s.openSession("c", TransportWebRTC)
	assert.NoError(t, err)

	infos := s.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].ID)
	assert.Equal(t, "c", infos[1].ID)
}

func TestUnlimitedSessions(t *testing.T) {
	s := newEchoStream(t, WithConcurrencyLimit(0))
	for i := 0; i < 10; i++ {
		_, err := s.openSession("", TransportWebsocket)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, s.ActiveSessions())

	s.Close()
	assert.Equal(t, 0, s.ActiveSessions())
	_, err := s.openSession("", TransportWebsocket)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTimeLimitClosesSession(t *testing.T) {
	s := newEchoStream(t, WithTimeLimit(50*time.Millisecond))

	sess, err := s.openSession("timed", TransportWebsocket)
	require.NoError(t, err)
	tornDown := make(chan struct{})
	sess.onClose(func() { close(tornDown) })
	sess.start(func(context.Context, audio.Segment) error { return nil })

	select {
	case <-tornDown:
	case <-time.After(2 * time.Second):
		t.Fatal("session outlived its time limit")
	}
	assert.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
}

// slowCloseFactory hands out responders whose Close blocks until released.
type slowCloseFactory struct {
	entered chan struct{}
	release chan struct{}
}

func (f *slowCloseFactory) NewResponder(context.Context, reply.Emitter, reply.Observer) reply.Responder {
	return f
}

func (f *slowCloseFactory) Receive(audio.Segment) {}

func (f *slowCloseFactory) Close() {
	close(f.entered)
	<-f.release
}

func TestSessionClose_LaterCallersWait(t *testing.T) {
	f := &slowCloseFactory{entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(f)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	sess, err := s.openSession("slow", TransportWebsocket)
	require.NoError(t, err)
	tornDown := make(chan struct{})
	sess.onClose(func() { close(tornDown) })
	sess.start(func(context.Context, audio.Segment) error { return nil })

	go sess.close("closed_by_server")
	<-f.entered

	second := make(chan struct{})
	go func() {
		sess.close("websocket_closed")
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second close returned while the responder was still closing")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.release)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second close never returned")
	}

	select {
	case <-tornDown:
	default:
		t.Error("teardown had not run when the second close returned")
	}
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestSessionLookup(t *testing.T) {
	s := newEchoStream(t)

	_, err := s.Session("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.CloseSession("missing"), ErrSessionNotFound)

	_, err = s.openSession("x", TransportWebRTC)
	require.NoError(t, err)
	info, err := s.Session("x")
	require.NoError(t, err)
	assert.Equal(t, TransportWebRTC, info.Transport)

	app := fiber.New()
	s.Mount(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webrtc/sessions", nil))
	require.NoError(t, err)
	var listed struct {
		Sessions []SessionInfo `json:"sessions"`
		Limit    int           `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "x", listed.Sessions[0].ID)
	assert.Equal(t, 1, listed.Limit)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/webrtc/sessions/x", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, s.ActiveSessions())

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/webrtc/sessions/x", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func postOffer(t *testing.T, app *fiber.App, req offerRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/webrtc/offer", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(r, -1)
	require.NoError(t, err)
	return resp
}

func TestOffer_BadRequest(t *testing.T) {
	s := newEchoStream(t)
	app := fiber.New()
	s.Mount(app)

	resp := postOffer(t, app, offerRequest{Type: "answer", SDP: "v=0"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = postOffer(t, app, offerRequest{Type: "offer"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestOffer_ConcurrencyLimitReached(t *testing.T) {
	s := newEchoStream(t)
	app := fiber.New()
	s.Mount(app)

	_, err := s.openSession("busy", TransportWebsocket)
	require.NoError(t, err)

	resp := postOffer(t, app, offerRequest{Type: "offer", SDP: "v=0", WebRTCID: "late"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var got failedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "concurrency_limit_reached", got.Meta.Error)
	assert.Equal(t, 1, got.Meta.Limit)
}

func TestOffer_Negotiates(t *testing.T) {
	s := newEchoStream(t)
	app := fiber.New()
	s.Mount(app)

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer client.Close()

	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "client")
	require.NoError(t, err)
	_, err = client.AddTrack(mic)
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	<-gathered

	resp := postOffer(t, app, offerRequest{
		SDP:      client.LocalDescription().SDP,
		Type:     "offer",
		WebRTCID: "peer-1",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var answer answerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, strings.ToLower(answer.SDP), "opus/48000")

	require.NoError(t, client.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}))

	infos := s.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "peer-1", infos[0].ID)
	assert.Equal(t, TransportWebRTC, infos[0].Transport)
}

// fakeTrack replays RTP packets then reports end of stream.
type fakeTrack struct {
	packets []*rtp.Packet
}

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(f.packets) == 0 {
		return nil, nil, errors.New("track ended")
	}
	p := f.packets[0]
	f.packets = f.packets[1:]
	return p, nil, nil
}

func TestReadTrack_DecodesOpus(t *testing.T) {
	rec := &recordingFactory{}
	s, err := New(rec, WithConcurrencyLimit(0))
	require.NoError(t, err)
	defer s.Close()

	enc, err := codec.NewOpusEncoder(codec.OpusSampleRate, codec.OpusFrame)
	require.NoError(t, err)
	payloads, err := enc.Encode(audio.Sine(440, 0.4, codec.OpusSampleRate, 200*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, payloads, 10)

	track := &fakeTrack{}
	for i, p := range payloads {
		track.packets = append(track.packets, &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: p,
		})
	}
	track.packets = append(track.packets, &rtp.Packet{})

	sess, err := s.openSession("rtp", TransportWebRTC)
	require.NoError(t, err)
	sess.start(func(context.Context, audio.Segment) error { return nil })

	s.readTrack(sess, track)

	assert.Equal(t, 10, rec.count())
	for _, f := range rec.frames {
		assert.Equal(t, codec.OpusSampleRate, f.SampleRate)
		assert.Equal(t, 20*time.Millisecond, f.Duration())
	}
	assert.Equal(t, 0, s.ActiveSessions(), "ended track closes the session")
}

type fakeSampleWriter struct {
	samples []media.Sample
}

func (f *fakeSampleWriter) WriteSample(s media.Sample) error {
	f.samples = append(f.samples, s)
	return nil
}

func TestOpusSink_WritesPacedFrames(t *testing.T) {
	enc, err := codec.NewOpusEncoder(codec.OpusSampleRate, codec.OpusFrame)
	require.NoError(t, err)
	w := &fakeSampleWriter{}
	frames := 0
	sink := &opusSink{track: w, enc: enc, onFrame: func() { frames++ }}

	start := time.Now()
	// 50 ms at 16 kHz: two whole frames plus a padded tail.
	require.NoError(t, sink.write(context.Background(), audio.Sine(300, 0.3, 16000, 50*time.Millisecond)))
	elapsed := time.Since(start)

	require.Len(t, w.samples, 3)
	assert.Equal(t, 3, frames)
	for _, s := range w.samples {
		assert.Equal(t, 20*time.Millisecond, s.Duration)
		assert.NotEmpty(t, s.Data)
	}
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond, "frames are paced in real time")
}

func TestOpusSink_StopsOnCancel(t *testing.T) {
	enc, err := codec.NewOpusEncoder(codec.OpusSampleRate, codec.OpusFrame)
	require.NoError(t, err)
	w := &fakeSampleWriter{}
	sink := &opusSink{track: w, enc: enc}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = sink.write(ctx, audio.Sine(300, 0.3, codec.OpusSampleRate, 2*time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, len(w.samples), 100)
}

func dialStream(t *testing.T, s *Stream, path string) *gws.Conn {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.Mount(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMuLaw(t *testing.T, conn *gws.Conn, seg audio.Segment) {
	t.Helper()
	for _, frame := range codec.MuLawFrames(seg) {
		require.NoError(t, conn.WriteJSON(wsMessage{
			Event: "media",
			Media: &wsMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
		}))
	}
}

func TestWebsocket_EchoesUtterance(t *testing.T) {
	s := newEchoStream(t)
	conn := dialStream(t, s, "/websocket/offer")

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "start", Start: &wsStart{StreamSID: "call-1"}}))

	talk := audio.Sine(220, 0.5, codec.MuLawSampleRate, 1200*time.Millisecond)
	quiet := audio.Silence(codec.MuLawSampleRate, 600*time.Millisecond)
	sendMuLaw(t, conn, talk)
	sendMuLaw(t, conn, quiet)

	var media []byte
	frames := 0
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == "mark" {
			break
		}
		require.Equal(t, "media", msg.Event, "unexpected event: %+v", msg)
		assert.Equal(t, "call-1", msg.StreamSID)
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		require.NoError(t, err)
		media = append(media, payload...)
		frames++
	}

	assert.Equal(t, 90, frames, "1.8 s of audio in 20 ms frames")
	got := codec.DecodeMuLaw(media)
	assert.Equal(t, 1800*time.Millisecond, got.Duration())
	assert.Greater(t, audio.RMS(got.Slice(0, 9600).Samples), 0.2, "speech is echoed")

	var info SessionInfo
	require.Eventually(t, func() bool {
		info, _ = s.Session("call-1")
		return info.Turns == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, info.AvgReplyMs, 0.0)
	assert.GreaterOrEqual(t, info.AvgReplyMs, info.AvgFirstOutputMs)

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "stop"}))
	assert.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_CloseDuringReply(t *testing.T) {
	exited := make(chan struct{})
	// Streams a long reply slowly so the close lands mid-reply.
	drone := func(ctx context.Context, _ audio.Segment) iter.Seq2[audio.Segment, error] {
		return func(yield func(audio.Segment, error) bool) {
			defer close(exited)
			frame := audio.Sine(220, 0.5, codec.MuLawSampleRate, 20*time.Millisecond)
			for i := 0; i < 500; i++ {
				if ctx.Err() != nil || !yield(frame, nil) {
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
	}
	r, err := reply.OnPause(drone)
	require.NoError(t, err)
	s, err := New(r)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	conn := dialStream(t, s, "/websocket/offer")
	require.NoError(t, conn.WriteJSON(wsMessage{Event: "start", Start: &wsStart{StreamSID: "call-2"}}))
	sendMuLaw(t, conn, audio.Sine(220, 0.5, codec.MuLawSampleRate, 1200*time.Millisecond))
	sendMuLaw(t, conn, audio.Silence(codec.MuLawSampleRate, 600*time.Millisecond))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "media", msg.Event)

	closed := make(chan error, 1)
	go func() { closed <- s.CloseSession("call-2") }()
	require.NoError(t, conn.WriteJSON(wsMessage{Event: "stop"}))

	select {
	case err := <-closed:
		if err != nil {
			assert.ErrorIs(t, err, ErrSessionNotFound)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("CloseSession did not return")
	}
	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("reply kept running after the session closed")
	}
	assert.Eventually(t, func() bool { return s.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_ProtocolErrors(t *testing.T) {
	s := newEchoStream(t)
	conn := dialStream(t, s, "/websocket/offer")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	expectError := func(want string) {
		t.Helper()
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "error", msg.Event)
		assert.Equal(t, want, msg.Message)
	}

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("{not json")))
	expectError("invalid message")

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "media", Media: &wsMedia{Payload: "AAAA"}}))
	expectError("media before start")

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "start", WebsocketID: "ws-1"}))
	require.NoError(t, conn.WriteJSON(wsMessage{Event: "start"}))
	expectError("already started")

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "media", Media: &wsMedia{Payload: "!!"}}))
	expectError("invalid media payload")

	require.NoError(t, conn.WriteJSON(wsMessage{Event: "dance"}))
	expectError("unknown event dance")

	_, err := s.Session("ws-1")
	assert.NoError(t, err)
}

func TestWebsocket_ConcurrencyLimit(t *testing.T) {
	s := newEchoStream(t)
	_, err := s.openSession("busy", TransportWebRTC)
	require.NoError(t, err)

	conn := dialStream(t, s, "/websocket/offer")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.WriteJSON(wsMessage{Event: "start"}))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Event)
	assert.Equal(t, "concurrency_limit_reached", msg.Message)
}

func TestEventsRequireUpgrade(t *testing.T) {
	s := newEchoStream(t)
	app := fiber.New()
	s.Mount(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/websocket/events", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
