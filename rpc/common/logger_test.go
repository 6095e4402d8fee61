package common

import (
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logger.LogLevel
		wantErr bool
	}{
		{in: "debug", want: logger.DEBUG},
		{in: "INFO", want: logger.INFO},
		{in: "", want: logger.INFO},
		{in: "warn", want: logger.WARNING},
		{in: "warning", want: logger.WARNING},
		{in: "error", want: logger.ERROR},
		{in: "verbose", want: logger.INFO, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	l := CreateLogger("test").(*dCacheLogger)
	assert.True(t, l.enabled(logger.INFO))
	assert.False(t, l.enabled(logger.DEBUG))

	l.SetLevel(logger.ERROR)
	assert.True(t, l.enabled(logger.ERROR))
	assert.False(t, l.enabled(logger.WARNING))

	assert.Panics(t, func() { l.Panicf("boom %d", 1) })
}
