package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

type execLoader struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecLoader runs an external command once per detected utterance:
//
//	<command> --audio <file.wav> --model <dir> [--language <id>]
//
// The command must print {"text": "...", "confidence": 0.9} on stdout.
func NewExecLoader(cfg config.STTConfig, log *slog.Logger) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execLoader{cmd: args, cfg: cfg, log: log.With(slog.String("component", "stt-exec"))}, nil
}

func (l *execLoader) Load(_ context.Context, modelDir string, sampleRate int) (Recognizer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := time.Duration(l.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &execRecognizer{
		cmd:        l.cmd,
		modelDir:   modelDir,
		language:   filepath.Base(modelDir),
		sampleRate: sampleRate,
		timeout:    timeout,
		endpointer: NewEndpointer(l.cfg.SilenceRMS,
			time.Duration(l.cfg.SilenceMS)*time.Millisecond,
			time.Duration(l.cfg.MaxUtteranceMS)*time.Millisecond,
			sampleRate),
		ctx:    ctx,
		cancel: cancel,
		log:    l.log,
	}, nil
}

type execRecognizer struct {
	cmd        []string
	modelDir   string
	language   string
	sampleRate int
	timeout    time.Duration
	endpointer *Endpointer
	buffer     []byte
	pending    string
	ctx        context.Context
	cancel     context.CancelFunc
	log        *slog.Logger
}

func (r *execRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	boundary := r.endpointer.Feed(pcm)
	if !boundary && !r.endpointer.InSpeech() {
		// leading silence is never sent to the command
		r.buffer = r.buffer[:0]
		return false, nil
	}
	r.buffer = append(r.buffer, pcm...)
	if !boundary {
		return false, nil
	}

	utterance := r.buffer
	r.buffer = nil
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	result, err := r.transcribe(ctx, utterance)
	if err != nil {
		return false, err
	}
	r.pending = strings.TrimSpace(result.Text)
	return true, nil
}

func (r *execRecognizer) Result() (string, error) {
	text := r.pending
	r.pending = ""
	return text, nil
}

func (r *execRecognizer) Close() error {
	r.cancel()
	return nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte) (execResult, error) {
	file, err := os.CreateTemp(os.TempDir(), "dictate_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.sampleRate, 1); err != nil {
		return execResult{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--model", r.modelDir)
	if r.language != "" {
		cmdArgs = append(cmdArgs, "--language", r.language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	r.log.Debug("utterance transcribed",
		slog.Int("bytes", len(pcm)),
		slog.Duration("elapsed", time.Since(started)),
		slog.Float64("confidence", resp.Confidence))
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
