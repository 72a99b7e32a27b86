package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a PCM WAV file as if it were a microphone. Once the
// file is exhausted the stream stays open and silent until closed.
type WAVSource struct {
	path     string
	realtime bool
	log      *slog.Logger
}

func NewWAVSource(path string, realtime bool, log *slog.Logger) *WAVSource {
	return &WAVSource{path: path, realtime: realtime, log: log.With(slog.String("component", "capture-wav"))}
}

func (s *WAVSource) Devices() ([]Device, error) {
	return []Device{{ID: s.path, Name: filepath.Base(s.path), Default: true}}, nil
}

func (s *WAVSource) Close() error { return nil }

func (s *WAVSource) Open(deviceID string, format Format, handler Handler) (Stream, error) {
	if deviceID != "" && deviceID != s.path && deviceID != filepath.Base(s.path) {
		return nil, &DeviceError{Op: "open", Device: deviceID, Err: ErrDeviceNotFound}
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: s.path, Err: err}
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, &DeviceError{Op: "open", Device: s.path, Err: fmt.Errorf("%w: not a PCM wav file", ErrFormatMismatch)}
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != format.Channels || dec.BitDepth != 16 {
		file.Close()
		return nil, &DeviceError{Op: "open", Device: s.path, Err: fmt.Errorf("%w: got %d Hz, %d channels, %d bit",
			ErrFormatMismatch, dec.SampleRate, dec.NumChans, dec.BitDepth)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &wavStream{
		file:     file,
		dec:      dec,
		format:   format,
		handler:  handler,
		realtime: s.realtime,
		failed:   make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
		log:      s.log,
	}, nil
}

type wavStream struct {
	file     *os.File
	dec      *wav.Decoder
	format   Format
	handler  Handler
	realtime bool
	failed   chan error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	log      *slog.Logger
}

func (st *wavStream) Start() error {
	st.wg.Add(1)
	go st.run()
	return nil
}

func (st *wavStream) run() {
	defer st.wg.Done()

	samples := st.format.BlockFrames * st.format.Channels
	buf := &audio.IntBuffer{
		Data:           make([]int, samples),
		Format:         &audio.Format{NumChannels: st.format.Channels, SampleRate: st.format.SampleRate},
		SourceBitDepth: 16,
	}
	block := make([]byte, st.format.BlockBytes())

	var ticker *time.Ticker
	if st.realtime {
		ticker = time.NewTicker(st.format.BlockDuration())
		defer ticker.Stop()
	}

	blocks := 0
	for {
		if ticker != nil {
			select {
			case <-st.ctx.Done():
				return
			case <-ticker.C:
			}
		} else if st.ctx.Err() != nil {
			return
		}

		n, err := st.dec.PCMBuffer(buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			select {
			case st.failed <- &DeviceError{Op: "read", Device: st.file.Name(), Err: err}:
			default:
			}
			return
		}
		if n > 0 {
			// the final partial block is padded with silence
			clear(block)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint16(block[i*2:], uint16(int16(buf.Data[i])))
			}
			st.handler(block, nil)
			blocks++
		}
		if n == 0 || eof {
			st.log.Info("wav source exhausted", slog.Int("blocks", blocks))
			return
		}
	}
}

func (st *wavStream) Failed() <-chan error { return st.failed }

func (st *wavStream) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel()
		st.wg.Wait()
		err = st.file.Close()
	})
	return err
}
