// Package reply turns a live stream of caller audio into handler invocations.
//
// A ReplyOnPause watches incoming frames with a voice activity detector,
// collects the caller's utterance, and once the caller stops speaking hands
// the utterance to a Handler. Every segment the handler yields is sent back
// to the caller through the session's Emitter.
//
// # Usage
//
//	echo := func(ctx context.Context, seg audio.Segment) iter.Seq2[audio.Segment, error] {
//	    return func(yield func(audio.Segment, error) bool) {
//	        yield(seg, nil)
//	    }
//	}
//
//	r, err := reply.OnPause(echo)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session := r.NewResponder(ctx, func(ctx context.Context, out audio.Segment) error {
//	    return track.Write(out)
//	}, nil)
//	defer session.Close()
//
//	for frame := range microphone {
//	    session.Receive(frame)
//	}
//
// # Pause detection
//
// Input is evaluated in chunks of AlgoOptions.ChunkDuration. The caller has
// started talking once a chunk holds more than StartedTalkingThreshold of
// speech; after that, the first chunk with less than SpeechThreshold of
// speech closes the utterance.
//
// # Interruptions
//
// With CanInterrupt (the default) new speech cancels the reply in flight
// through its context. Without it, audio received while replying is dropped.
package reply
