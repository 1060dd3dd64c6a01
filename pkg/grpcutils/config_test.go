package grpcutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrpcConfig_MTLSEnabled(t *testing.T) {
	tests := []struct {
		config GrpcConfig
		want   bool
	}{
		{GrpcConfig{CertPath: "cert", KeyPath: "key", CAPath: "ca"}, true},
		{GrpcConfig{}, false},
		{GrpcConfig{CertPath: "cert", CAPath: "ca"}, false},
		{GrpcConfig{KeyPath: "key", CAPath: "ca"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.config.MTLSEnabled(), "%+v", tt.config)
	}
}
