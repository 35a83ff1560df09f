package log_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hurricanefpga/hurricane/internal/log"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.LevelTrace, log.ParseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, log.ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("bogus"))
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	raw := log.NewRaw(&buf, func(ts uint64) time.Duration { return time.Duration(ts) * time.Microsecond })

	raw.Log(true, 1500, []byte{0x2d, 0x00, 0x10})
	raw.Log(false, 1510, nil)
	raw.Log(false, 1520, []byte{0xd2})

	assert.Equal(t,
		"t=1.5ms H->D packet: 3 bytes, hex: 2d 00 10\n"+
			"t=1.52ms D->H packet: 1 bytes, hex: d2\n",
		buf.String())
}

func TestRawLoggerNilWriter(t *testing.T) {
	raw := log.NewRaw(nil, nil)
	assert.NotPanics(t, func() { raw.Log(true, 0, []byte{1}) })
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	log.Component(logger, "link").Info("hello")
	assert.Contains(t, buf.String(), "component=link")
}
