package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warn", NoticeLevel, false},
		{"notice", NoticeLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZeroLogger(t *testing.T) {
	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: NoticeLevel, Output: &buf})

		log.Debug("debug %d", 1)
		log.Info("info %d", 2)
		assert.Empty(t, buf.String())

		log.Notice("notice %d", 3)
		log.Error("error %d", 4)
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], `"message":"notice 3"`)
		assert.Contains(t, lines[1], `"level":"error"`)
	})

	t.Run("with attaches fields", func(t *testing.T) {
		var buf bytes.Buffer
		log := New(Config{Level: DebugLevel, Output: &buf}).With("component", "queue")

		log.Info("started")
		assert.Contains(t, buf.String(), `"component":"queue"`)
		assert.Contains(t, buf.String(), `"message":"started"`)
	})

	t.Run("empty logger", func(t *testing.T) {
		var log Logger = &EmptyLogger{}
		assert.NotPanics(t, func() {
			log.With("k", "v").Error("nothing %s", "here")
		})
	})
}
