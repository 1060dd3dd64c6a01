package grpcutils

import "time"

type GrpcConfig struct {
	// BindAddress is the address to bind the GRPC server to.
	BindAddress string `yaml:"bindAddress"`

	MaxConcurrentStreams uint32 `yaml:"maxConcurrentStreams"`
	NumStreamWorkers     uint32 `yaml:"numStreamWorkers"`

	// ConnectionTimeout bounds the handshake of new connections.
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`

	// GRPC mTLS config
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
	CAPath   string `yaml:"caPath"`
}

func (c *GrpcConfig) MTLSEnabled() bool {
	return c.CertPath != "" && c.KeyPath != "" && c.CAPath != ""
}
