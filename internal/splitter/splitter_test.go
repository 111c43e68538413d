package splitter_test

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/dispatchwire/dispatchwire/internal/splitter"
	"github.com/dispatchwire/dispatchwire/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func testParams() splitter.Params {
	return splitter.Params{
		MinSilence:  500 * time.Millisecond,
		ThresholdDB: -50,
		MinChunk:    250 * time.Millisecond,
	}
}

func tone(d time.Duration) []byte {
	samples := int(d * 16000 / time.Second)
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silence(d time.Duration) []byte {
	return make([]byte, mono16k.Bytes(d))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestDetectNonsilent_AllSilent(t *testing.T) {
	got := splitter.DetectNonsilent(silence(3*time.Second), mono16k, testParams())
	if len(got) != 0 {
		t.Fatalf("ranges = %v, want none", got)
	}
}

func TestDetectNonsilent_ToneGapTone(t *testing.T) {
	pcm := concat(
		silence(time.Second),
		tone(time.Second),
		silence(time.Second),
		tone(time.Second),
		silence(time.Second),
	)
	got := splitter.DetectNonsilent(pcm, mono16k, testParams())
	if len(got) != 2 {
		t.Fatalf("got %d ranges, want 2: %v", len(got), got)
	}

	// Time order, non-overlapping, and roughly on the tone boundaries.
	if got[0].End > got[1].Start {
		t.Fatalf("ranges overlap: %v", got)
	}
	approx := func(got, want time.Duration) bool {
		diff := got - want
		return diff > -50*time.Millisecond && diff < 50*time.Millisecond
	}
	if !approx(got[0].Start, time.Second) || !approx(got[0].End, 2*time.Second) {
		t.Errorf("first range = %v, want ≈ [1s, 2s)", got[0])
	}
	if !approx(got[1].Start, 3*time.Second) || !approx(got[1].End, 4*time.Second) {
		t.Errorf("second range = %v, want ≈ [3s, 4s)", got[1])
	}
}

func TestDetectNonsilent_ShortPauseStaysInsideChunk(t *testing.T) {
	// A 200 ms pause is below the 500 ms minimum gap: one chunk, not two.
	pcm := concat(tone(time.Second), silence(200*time.Millisecond), tone(time.Second))
	got := splitter.DetectNonsilent(pcm, mono16k, testParams())
	if len(got) != 1 {
		t.Fatalf("got %d ranges, want 1: %v", len(got), got)
	}
}

func TestDetectNonsilent_TinyBlipDiscarded(t *testing.T) {
	// A 100 ms blip is below the 250 ms minimum chunk duration.
	pcm := concat(silence(time.Second), tone(100*time.Millisecond), silence(time.Second))
	got := splitter.DetectNonsilent(pcm, mono16k, testParams())
	if len(got) != 0 {
		t.Fatalf("ranges = %v, want blip discarded", got)
	}
}

func TestDetectNonsilent_Deterministic(t *testing.T) {
	pcm := concat(tone(700*time.Millisecond), silence(time.Second), tone(400*time.Millisecond))
	a := splitter.DetectNonsilent(pcm, mono16k, testParams())
	b := splitter.DetectNonsilent(pcm, mono16k, testParams())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same input gave different boundaries: %v vs %v", a, b)
	}
}

func TestSplit_WritesChunkFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	uttPath := filepath.Join(dir, "utt.wav")
	pcm := concat(
		tone(time.Second),
		silence(time.Second),
		tone(500*time.Millisecond),
	)
	if err := audio.WriteWAVFile(uttPath, pcm, mono16k); err != nil {
		t.Fatalf("write utterance: %v", err)
	}

	chunks, err := splitter.Split(uttPath, filepath.Join(dir, "chunks"), testParams())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		gotPCM, f, err := audio.ReadWAVFile(c.Path)
		if err != nil {
			t.Fatalf("read chunk %d: %v", i, err)
		}
		if f != mono16k {
			t.Errorf("chunk %d format = %+v", i, f)
		}
		if gotDur := f.Duration(len(gotPCM)); gotDur < 250*time.Millisecond {
			t.Errorf("chunk %d duration = %v, below minimum", i, gotDur)
		}
	}
	if chunks[0].Duration <= chunks[1].Duration {
		t.Errorf("expected first chunk (1s tone) longer than second (0.5s): %v vs %v",
			chunks[0].Duration, chunks[1].Duration)
	}

	splitter.Cleanup(chunks)
	if _, _, err := audio.ReadWAVFile(chunks[0].Path); err == nil {
		t.Error("Cleanup left chunk file behind")
	}
}

func TestSplit_AllSilentReturnsNoChunks(t *testing.T) {
	dir := t.TempDir()
	uttPath := filepath.Join(dir, "silent.wav")
	if err := audio.WriteWAVFile(uttPath, silence(2*time.Second), mono16k); err != nil {
		t.Fatalf("write: %v", err)
	}

	chunks, err := splitter.Split(uttPath, filepath.Join(dir, "chunks"), testParams())
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks from silence, want 0", len(chunks))
	}
}
