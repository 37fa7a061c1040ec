package audio

import "time"

// BytesPerSample is the width of one PCM sample. All audio in the pipeline is
// little-endian signed 16-bit.
const BytesPerSample = 2

// FrameDuration is the playback cadence. Sources are read and transmitted in
// 20 ms frames, matching the voice transport's packet interval.
const FrameDuration = 20 * time.Millisecond

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerMillisecond returns how many PCM bytes one millisecond of audio
// occupies in this format.
func (f Format) BytesPerMillisecond() int {
	return f.SampleRate / 1000 * f.Channels * BytesPerSample
}

// FrameBytes returns the byte length of one [FrameDuration] frame.
func (f Format) FrameBytes() int {
	return f.BytesPerMillisecond() * int(FrameDuration.Milliseconds())
}

// Frame is a single slice of PCM audio flowing through the pipeline. Frames
// are the atomic unit of transport: captured from voice-channel participants,
// chunked for transcription, and played back through the output stream.
type Frame struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for the voice transport, 16000 for transcription).
	SampleRate int

	// Channels: 1 for mono (transcription input), 2 for stereo (playback output).
	Channels int
}

// Duration returns the playback length of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), Format{SampleRate: f.SampleRate, Channels: f.Channels})
}

// PCMDuration returns the playback length of n bytes of PCM in the given format.
func PCMDuration(n int, f Format) time.Duration {
	bpms := f.BytesPerMillisecond()
	if bpms <= 0 {
		return 0
	}
	return time.Duration(n/bpms) * time.Millisecond
}

// IsSilence reports whether the PCM buffer contains only zero bytes. Pure
// silence is tracked for duration bookkeeping but never worth transmitting.
func IsSilence(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
