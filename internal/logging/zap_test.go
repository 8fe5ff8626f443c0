package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLogger(zap.New(core))
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, int64(2), entries[1].ContextMap()["b"])
}

func TestZapLogger_With_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewZapLogger(zap.New(core)).With("module", "dispatcher")

	log.Info(context.Background(), "tick", "claimed", 3)

	got := logs.FilterMessage("tick").All()
	require.Len(t, got, 1)
	fields := got[0].ContextMap()
	assert.Equal(t, "dispatcher", fields["module"])
	assert.Equal(t, int64(3), fields["claimed"])
}

func TestNew_SelectsImplementation(t *testing.T) {
	var buf bytes.Buffer

	l, err := New("json", &buf)
	require.NoError(t, err)
	_, isSlog := l.(*SlogLogger)
	assert.True(t, isSlog)

	l.Info(context.Background(), "hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	l, err = New("zap", &buf)
	require.NoError(t, err)
	_, isZap := l.(*ZapLogger)
	assert.True(t, isZap)
}

func TestNop_DoesNotPanic(t *testing.T) {
	var l Logger = Nop{}
	l.With("a", 1).Info(context.Background(), "x")
	l.Warn(context.Background(), "x")
	l.Error(context.Background(), "x")
}
