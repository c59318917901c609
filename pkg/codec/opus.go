// Package codec converts audio.Segment values to and from the wire formats
// used by the stream transports: Opus for WebRTC and μ-law for telephony
// websockets.
package codec

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-echo/pkg/audio"
)

// Opus constants for WebRTC audio.
const (
	OpusSampleRate = 48000
	OpusFrame      = 20 * time.Millisecond

	// maxOpusFrame is 120ms at 48kHz, the longest frame Opus produces.
	maxOpusFrame = 5760
	// maxOpusPacket is the recommended upper bound for one encoded packet.
	maxOpusPacket = 4000
)

// OpusDecoder turns Opus packets into PCM segments.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
	buf        []int16
}

// NewOpusDecoder creates a decoder producing PCM at sampleRate with the
// given channel count. Stereo streams are downmixed by libopus when
// channels is 1.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		buf:        make([]int16, maxOpusFrame*channels),
	}, nil
}

// Decode decodes one packet. The returned segment owns its samples.
func (d *OpusDecoder) Decode(packet []byte) (audio.Segment, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return audio.Segment{}, fmt.Errorf("opus decode: %w", err)
	}
	samples := make([]int16, n*d.channels)
	copy(samples, d.buf[:n*d.channels])
	return audio.New(samples, d.sampleRate, d.channels), nil
}

// OpusEncoder turns PCM segments into fixed-duration Opus packets.
// Input of any rate or channel count is converted to the encoder format,
// and partial frames are held until the next call or Flush.
type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	frame      time.Duration
	frameSize  int
	pending    []int16
	out        []byte
}

// NewOpusEncoder creates a mono VoIP encoder at sampleRate emitting
// packets of the given frame duration.
func NewOpusEncoder(sampleRate int, frame time.Duration) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		frame:      frame,
		frameSize:  audio.FrameCount(sampleRate, frame),
		out:        make([]byte, maxOpusPacket),
	}, nil
}

// FrameDuration returns the playback length of each packet.
func (e *OpusEncoder) FrameDuration() time.Duration {
	return e.frame
}

// Encode appends seg to the pending buffer and returns every complete packet.
func (e *OpusEncoder) Encode(seg audio.Segment) ([][]byte, error) {
	e.pending = append(e.pending, seg.To(e.sampleRate).Samples...)

	var packets [][]byte
	for len(e.pending) >= e.frameSize {
		pkt, err := e.encodeFrame(e.pending[:e.frameSize])
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
		e.pending = e.pending[e.frameSize:]
	}
	return packets, nil
}

// Flush pads the remaining partial frame with silence and encodes it.
// It returns nil when nothing is pending.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]int16, e.frameSize)
	copy(frame, e.pending)
	e.pending = e.pending[:0]
	return e.encodeFrame(frame)
}

// Reset drops any pending samples.
func (e *OpusEncoder) Reset() {
	e.pending = e.pending[:0]
}

func (e *OpusEncoder) encodeFrame(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	pkt := make([]byte, n)
	copy(pkt, e.out[:n])
	return pkt, nil
}
