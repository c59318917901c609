package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/codec"
)

const (
	// gatherTimeout bounds how long an offer waits for ICE gathering.
	gatherTimeout = 10 * time.Second

	// connectTimeout closes sessions whose peer never connects.
	connectTimeout = 30 * time.Second
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   codec.OpusSampleRate,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

type offerRequest struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	WebRTCID string `json:"webrtc_id"`
}

type answerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type failedMeta struct {
	Error string `json:"error"`
	Limit int    `json:"limit,omitempty"`
}

type failedResponse struct {
	Status string     `json:"status"`
	Meta   failedMeta `json:"meta"`
}

func (s *Stream) handleOffer(c *fiber.Ctx) error {
	var req offerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid offer body")
	}
	if req.Type != "offer" || req.SDP == "" {
		return fiber.NewError(fiber.StatusBadRequest, "expected an sdp offer")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), gatherTimeout)
	defer cancel()

	answer, err := s.Negotiate(ctx, req.WebRTCID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	})
	switch {
	case errors.Is(err, ErrConcurrencyLimit):
		return c.JSON(failedResponse{
			Status: "failed",
			Meta:   failedMeta{Error: "concurrency_limit_reached", Limit: s.cfg.ConcurrencyLimit},
		})
	case errors.Is(err, ErrSessionExists):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("offer failed", "webrtc_id", req.WebRTCID, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(answerResponse{SDP: answer.SDP, Type: answer.Type.String()})
}

// Negotiate answers an SDP offer and starts a WebRTC session. The answer
// is returned once ICE gathering completes, so it carries every candidate.
func (s *Stream) Negotiate(ctx context.Context, id string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	sess, err := s.openSession(id, TransportWebRTC)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := s.negotiate(ctx, sess, offer)
	if err != nil {
		sess.close("setup_failed")
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *Stream) negotiate(ctx context.Context, sess *session, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers()})
	if err != nil {
		return none, err
	}
	sess.onClose(func() {
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer close", "id", sess.id, "error", err)
		}
	})

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "echo-"+sess.id)
	if err != nil {
		return none, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return none, err
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	enc, err := codec.NewOpusEncoder(codec.OpusSampleRate, codec.OpusFrame)
	if err != nil {
		return none, err
	}
	out := &opusSink{track: track, enc: enc, onFrame: s.frameOut(sess)}
	sess.start(out.write)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.logger.Debug("inbound track", "id", sess.id, "codec", remote.Codec().MimeType)
		go s.readTrack(sess, remote)
	})

	connected := make(chan struct{})
	var connectedOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("connection state", "id", sess.id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectedOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed:
			sess.close("ice_failed")
		case webrtc.PeerConnectionStateClosed:
			sess.close("peer_closed")
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return none, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return none, err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return none, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return none, ctx.Err()
	}

	go func() {
		timer := time.NewTimer(connectTimeout)
		defer timer.Stop()
		select {
		case <-connected:
		case <-sess.ctx.Done():
		case <-timer.C:
			sess.close("connect_timeout")
		}
	}()

	return *pc.LocalDescription(), nil
}

// rtpReader is the part of webrtc.TrackRemote used for inbound audio.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// readTrack decodes inbound Opus until the track ends.
func (s *Stream) readTrack(sess *session, track rtpReader) {
	dec, err := codec.NewOpusDecoder(codec.OpusSampleRate, 1)
	if err != nil {
		s.logger.Error("opus decoder", "id", sess.id, "error", err)
		sess.close("decoder_failed")
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read rtp", "id", sess.id, "error", err)
			}
			sess.close("track_ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		frame, err := dec.Decode(pkt.Payload)
		if err != nil {
			s.logger.Warn("opus decode", "id", sess.id, "seq", pkt.SequenceNumber, "error", err)
			continue
		}
		sess.receive(frame)
	}
}

func (s *Stream) frameOut(sess *session) func() {
	if s.metrics == nil {
		return nil
	}
	c := s.metrics.FramesOut.WithLabelValues(string(sess.transport))
	return c.Inc
}

// sampleWriter is the part of webrtc.TrackLocalStaticSample used for output.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// opusSink encodes reply audio and writes it to the outbound track in
// real time.
type opusSink struct {
	mu      sync.Mutex
	track   sampleWriter
	enc     *codec.OpusEncoder
	onFrame func()

	// next is when the following frame is due
	next time.Time
}

func (o *opusSink) write(ctx context.Context, seg audio.Segment) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	packets, err := o.enc.Encode(seg)
	if err != nil {
		return err
	}
	tail, err := o.enc.Flush()
	if err != nil {
		return err
	}
	if tail != nil {
		packets = append(packets, tail)
	}

	frame := o.enc.FrameDuration()
	if now := time.Now(); o.next.Before(now) {
		o.next = now
	}
	for _, p := range packets {
		if err := waitUntil(ctx, o.next); err != nil {
			o.enc.Reset()
			return err
		}
		if err := o.track.WriteSample(media.Sample{Data: p, Duration: frame}); err != nil {
			return err
		}
		if o.onFrame != nil {
			o.onFrame()
		}
		o.next = o.next.Add(frame)
	}
	return nil
}

// waitUntil sleeps until t or ctx is done.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
