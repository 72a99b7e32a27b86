package capture

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// MalgoSource captures from system microphones through miniaudio.
// Warnings miniaudio logs while a stream is open are reported as the status
// of that stream's next block.
type MalgoSource struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger

	mu     sync.Mutex
	active map[*malgoStream]struct{}
}

func NewMalgoSource(log *slog.Logger) (*MalgoSource, error) {
	s := &MalgoSource{
		log:    log.With(slog.String("component", "capture-malgo")),
		active: make(map[*malgoStream]struct{}),
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, s.onLog)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	s.ctx = ctx
	return s, nil
}

func (s *MalgoSource) onLog(msg string) {
	msg = strings.TrimSpace(msg)
	if !isBackendWarning(msg) {
		s.log.Debug("miniaudio", slog.String("message", msg))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.active {
		st.status.raise(msg)
	}
	if len(s.active) == 0 {
		s.log.Warn("miniaudio", slog.String("message", msg))
	}
}

func (s *MalgoSource) track(st *malgoStream, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.active[st] = struct{}{}
	} else {
		delete(s.active, st)
	}
}

func (s *MalgoSource) Close() error {
	if s == nil || s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return err
}

func (s *MalgoSource) Devices() ([]Device, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, &DeviceError{Op: "enumerate", Err: err}
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:      hex.EncodeToString(info.ID[:]),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

func (s *MalgoSource) lookup(deviceID string) (*malgo.DeviceID, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, &DeviceError{Op: "enumerate", Device: deviceID, Err: err}
	}
	for _, info := range infos {
		if hex.EncodeToString(info.ID[:]) == deviceID || strings.EqualFold(info.Name(), deviceID) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, &DeviceError{Op: "open", Device: deviceID, Err: ErrDeviceNotFound}
}

func (s *MalgoSource) Open(deviceID string, format Format, handler Handler) (Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(format.BlockFrames)

	st := &malgoStream{
		name:    deviceID,
		blocker: NewBlocker(format.BlockBytes()),
		failed:  make(chan error, 1),
		status:  &statusLatch{device: deviceID},
		source:  s,
		log:     s.log,
	}
	if deviceID != "" {
		id, err := s.lookup(deviceID)
		if err != nil {
			return nil, err
		}
		st.id = id
		cfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			st.blocker.Write(input, func(block []byte) { handler(block, st.status.take()) })
		},
		Stop: st.onStop,
	}
	device, err := malgo.InitDevice(s.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: deviceID, Err: err}
	}
	st.device = device
	s.track(st, true)
	return st, nil
}

type malgoStream struct {
	name    string
	id      *malgo.DeviceID
	device  *malgo.Device
	blocker *Blocker
	failed  chan error
	status  *statusLatch
	source  *MalgoSource
	closing atomic.Bool
	once    sync.Once
	log     *slog.Logger
}

func (st *malgoStream) Start() error {
	if err := st.device.Start(); err != nil {
		return &DeviceError{Op: "start", Device: st.name, Err: err}
	}
	st.log.Info("capture started", slog.String("device", st.name))
	return nil
}

func (st *malgoStream) onStop() {
	if st.closing.Load() {
		return
	}
	st.log.Warn("capture device stopped unexpectedly", slog.String("device", st.name))
	select {
	case st.failed <- &DeviceError{Op: "capture", Device: st.name, Err: ErrStreamStopped}:
	default:
	}
}

func (st *malgoStream) Failed() <-chan error { return st.failed }

func (st *malgoStream) Close() error {
	st.once.Do(func() {
		st.closing.Store(true)
		st.device.Uninit()
		st.source.track(st, false)
		st.log.Info("capture closed", slog.String("device", st.name))
	})
	return nil
}
