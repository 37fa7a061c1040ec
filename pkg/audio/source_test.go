package audio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestBufferSource_ReadFrames(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1}
	// 2.5 frames worth of data: two full 20 ms frames plus a 10 ms remainder.
	pcm := make([]byte, format.FrameBytes()*2+format.FrameBytes()/2)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	src := NewBufferSource(pcm, format, "clip")

	var got []byte
	frames := 0
	for {
		f, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Fatalf("unexpected frame format %d/%d", f.SampleRate, f.Channels)
		}
		got = append(got, f.Data...)
		frames++
	}

	if frames != 3 {
		t.Errorf("expected 3 frames, got %d", frames)
	}
	if len(got) != len(pcm) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(pcm))
	}
	for i := range got {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d differs after reassembly", i)
		}
	}
}

func TestBufferSource_Duration(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1}
	src := NewBufferSource(make([]byte, 16000), format, "")

	d, ok := src.Duration()
	if !ok {
		t.Fatal("expected known duration")
	}
	if d != 500*time.Millisecond {
		t.Errorf("Duration() = %v, want 500ms", d)
	}
}

func TestBufferSource_TrimsOddTrailingByte(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1}
	src := NewBufferSource(make([]byte, 33), format, "")

	f, err := src.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(f.Data)%2 != 0 {
		t.Errorf("frame length %d is not sample aligned", len(f.Data))
	}
}

func TestBufferSource_RefreshIsIdentity(t *testing.T) {
	src := NewBufferSource(make([]byte, 64), Format{SampleRate: 16000, Channels: 1}, "")
	got, err := src.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != Source(src) {
		t.Error("expected Refresh to return the source itself")
	}

	// Refresh rewinds an exhausted buffer so a looped track can replay.
	for {
		if _, err := src.ReadFrame(); err != nil {
			break
		}
	}
	if _, err := src.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh after exhaustion: %v", err)
	}
	if _, err := src.ReadFrame(); err != nil {
		t.Errorf("ReadFrame after rewind: %v", err)
	}
}

func TestBufferSource_ReadAfterClose(t *testing.T) {
	src := NewBufferSource(make([]byte, 64), Format{SampleRate: 16000, Channels: 1}, "")
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.ReadFrame(); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed, got %v", err)
	}
}
