package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/weiawesome/ephemeral-chat/internal/config"
)

func TestPresenceSupported(t *testing.T) {
	tests := []struct {
		mode string
		want bool
	}{
		{"", true},
		{"embedded", true},
		{"remote", false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Client.Mode = tt.mode
			assert.Equal(t, tt.want, presenceSupported(cfg))
		})
	}
}
