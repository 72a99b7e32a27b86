package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.SampleRate != 16000 || cfg.STT.BlockFrames != 8000 {
		t.Fatalf("expected 16kHz/8000 frame defaults, got %d/%d", cfg.STT.SampleRate, cfg.STT.BlockFrames)
	}
	if cfg.Sink.Endpoint != "http://127.0.0.1:5000/submit" {
		t.Fatalf("unexpected sink endpoint %q", cfg.Sink.Endpoint)
	}
	if len(cfg.STT.Languages) != 3 {
		t.Fatalf("expected 3 default languages, got %d", len(cfg.STT.Languages))
	}
}

func TestSinkEndpointFollowsHTTPListener(t *testing.T) {
	t.Setenv("DICTATE_HTTP_PORT", "5055")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sink.Endpoint != "http://127.0.0.1:5055/submit" {
		t.Fatalf("unexpected sink endpoint %q", cfg.Sink.Endpoint)
	}

	t.Setenv("DICTATE_HTTP_BIND", "0.0.0.0")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sink.Endpoint != "http://127.0.0.1:5055/submit" {
		t.Fatalf("unspecified bind should post to loopback, got %q", cfg.Sink.Endpoint)
	}

	t.Setenv("DICTATE_SINK_ENDPOINT", "http://collector:8080/in")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sink.Endpoint != "http://collector:8080/in" {
		t.Fatalf("explicit endpoint must win, got %q", cfg.Sink.Endpoint)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DICTATE_BUS_ENABLED", "true")
	t.Setenv("DICTATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("DICTATE_BUS_USERNAME", "alice")
	t.Setenv("DICTATE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("DICTATE_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("DICTATE_JOURNAL_MAX_RECORDINGS", "12")
	t.Setenv("DICTATE_STT_MODEL_ROOT", "/srv/models")
	t.Setenv("DICTATE_STT_SILENCE_RMS", "321.5")
	t.Setenv("DICTATE_CAPTURE_DEVICE", "USB Mic")
	t.Setenv("DICTATE_SINK_MODE", "bus")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.MaxRecordings != 12 {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
	if cfg.STT.ModelRoot != "/srv/models" {
		t.Fatalf("expected model root override")
	}
	if cfg.STT.SilenceRMS != 321.5 {
		t.Fatalf("expected silence rms override, got %v", cfg.STT.SilenceRMS)
	}
	if cfg.Capture.Device != "USB Mic" {
		t.Fatalf("expected device override")
	}
	if cfg.Sink.Mode != "bus" {
		t.Fatalf("expected sink mode override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.yaml")
	doc := `stt:
  mode: exec
  command: "python3 transcribe.py --beam 5"
  languages:
    - name: German
      model: vosk-model-de-0.21
capture:
  backend: wav
  wav_path: ./fixtures/hello.wav
  realtime: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.ModelFor("german") != "vosk-model-de-0.21" {
		t.Fatalf("expected language table replaced, got %+v", cfg.STT.Languages)
	}
	if cfg.STT.ModelFor("vosk-model-xx") != "vosk-model-xx" {
		t.Fatalf("expected unknown language to pass through")
	}
	if cfg.Capture.Realtime {
		t.Fatalf("expected realtime disabled")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command":  func(c *Config) { c.STT.Mode = "exec" },
		"unknown stt mode":      func(c *Config) { c.STT.Mode = "whisper" },
		"wav without path":      func(c *Config) { c.Capture.Backend = "wav" },
		"bus sink without bus":  func(c *Config) { c.Sink.Mode = "bus" },
		"zero block frames":     func(c *Config) { c.STT.BlockFrames = 0 },
		"other sample rate":     func(c *Config) { c.STT.SampleRate = 44100 },
		"other block frames":    func(c *Config) { c.STT.BlockFrames = 4000 },
		"http sink no endpoint": func(c *Config) { c.Sink.Endpoint = "" },
		"bad retention mode":    func(c *Config) { c.Journal.RetentionMode = "forever" },
		"half language entry":   func(c *Config) { c.STT.Languages = []Language{{Name: "Polish"}} },
		"heartbeat timeout too short": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.HeartbeatTimeout = c.Bus.HeartbeatMS
		},
	}
	base := Default()
	deriveSinkEndpoint(&base)
	if err := validate(base); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.STT.Languages = append([]Language(nil), base.STT.Languages...)
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
