package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zap.AtomicLevel
		wantErr bool
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel), false},
		{"info", zap.NewAtomicLevelAt(zap.InfoLevel), false},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel), false},
		{"warning", zap.NewAtomicLevelAt(zap.WarnLevel), false},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel), false},
		{"verbose", zap.AtomicLevel{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Level(), got)
		})
	}
}

func TestResolveSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	logger := zap.NewNop()
	assert.Equal(t, "from-file", resolveSecret("direct", path, "jwt-secret", "jwt-secret-file", logger))
	assert.Equal(t, "direct", resolveSecret("direct", "", "jwt-secret", "jwt-secret-file", logger))
	assert.Empty(t, resolveSecret("direct", filepath.Join(t.TempDir(), "missing"), "jwt-secret", "jwt-secret-file", logger))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
