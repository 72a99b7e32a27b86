//go:build !vosk

package stt

import (
	"errors"
	"log/slog"
)

func newVoskLoader(_ *slog.Logger) (Loader, error) {
	return nil, errors.New("stt mode vosk requires a build with -tags vosk")
}
