package stt

import (
	"encoding/binary"
	"math"
	"time"
)

// Endpointer detects utterance boundaries from signal energy: speech starts
// when a chunk's RMS reaches the threshold and ends after enough trailing
// silence or when the utterance hits the maximum length.
type Endpointer struct {
	threshold  float64
	silenceFor time.Duration
	maxLength  time.Duration
	sampleRate int

	inSpeech bool
	silence  time.Duration
	length   time.Duration
}

func NewEndpointer(threshold float64, silenceFor, maxLength time.Duration, sampleRate int) *Endpointer {
	return &Endpointer{threshold: threshold, silenceFor: silenceFor, maxLength: maxLength, sampleRate: sampleRate}
}

// Feed consumes one chunk and reports whether it closed an utterance.
func (e *Endpointer) Feed(pcm []byte) bool {
	d := time.Duration(len(pcm)/2) * time.Second / time.Duration(e.sampleRate)
	if RMS(pcm) >= e.threshold {
		e.inSpeech = true
		e.silence = 0
	} else if e.inSpeech {
		e.silence += d
	}
	if !e.inSpeech {
		return false
	}
	e.length += d
	if e.silence >= e.silenceFor || (e.maxLength > 0 && e.length >= e.maxLength) {
		e.Reset()
		return true
	}
	return false
}

// InSpeech reports whether an utterance is open.
func (e *Endpointer) InSpeech() bool { return e.inSpeech }

func (e *Endpointer) Reset() {
	e.inSpeech = false
	e.silence = 0
	e.length = 0
}

// RMS returns the root mean square of s16le samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
