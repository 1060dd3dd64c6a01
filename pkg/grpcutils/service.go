package grpcutils

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"

	"github.com/chunkmeta/chunkmeta/pkg/otel"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	maxGrpcFrameSize = 256 * 1024 * 1024

	ReadinessProbeService = "chunkmeta-readiness"
)

type GrpcServer interface {
	io.Closer

	Port() int
}

type GrpcProvider interface {
	StartGrpcServer(name string, grpcConfig *GrpcConfig, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error)
}

var Default = &defaultProvider{}

type defaultProvider struct {
}

func (d *defaultProvider) StartGrpcServer(name string, grpcConfig *GrpcConfig, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error) {
	listener, err := net.Listen("tcp", grpcConfig.BindAddress)
	if err != nil {
		return nil, err
	}
	return Serve(name, grpcConfig, listener, registerFunc)
}

// ListenerProvider serves on a listener created elsewhere, e.g. a bufconn
// listener in tests.
type ListenerProvider struct {
	Listener net.Listener
}

func (p ListenerProvider) StartGrpcServer(name string, grpcConfig *GrpcConfig, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error) {
	return Serve(name, grpcConfig, p.Listener, registerFunc)
}

type defaultGrpcServer struct {
	name   string
	server *grpc.Server
	port   int
	done   chan struct{}
}

func serverOptions(grpcConfig *GrpcConfig) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption
	opts = append(opts, grpc.MaxRecvMsgSize(maxGrpcFrameSize))
	if grpcConfig.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(grpcConfig.MaxConcurrentStreams))
	}
	if grpcConfig.NumStreamWorkers > 0 {
		opts = append(opts, grpc.NumStreamWorkers(grpcConfig.NumStreamWorkers))
	}
	if grpcConfig.ConnectionTimeout > 0 {
		opts = append(opts, grpc.ConnectionTimeout(grpcConfig.ConnectionTimeout))
	}
	if grpcConfig.MTLSEnabled() {
		cert, err := tls.LoadX509KeyPair(grpcConfig.CertPath, grpcConfig.KeyPath)
		if err != nil {
			return nil, err
		}
		ca := x509.NewCertPool()
		caBytes, err := os.ReadFile(grpcConfig.CAPath)
		if err != nil {
			return nil, err
		}
		if !ca.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("no certificates found in " + grpcConfig.CAPath)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    ca,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.UnaryInterceptor(otel.ServerGrpcInterceptor))
	return opts, nil
}

// Serve registers the services and serves them on listener in the background.
func Serve(name string, grpcConfig *GrpcConfig, listener net.Listener, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error) {
	opts, err := serverOptions(grpcConfig)
	if err != nil {
		return nil, err
	}
	c := &defaultGrpcServer{
		name:   name,
		server: grpc.NewServer(opts...),
		done:   make(chan struct{}),
	}
	registerFunc(c.server)
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		c.port = addr.Port
	}

	go func() {
		defer close(c.done)
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc server stopped serving", zap.String("name", name), zap.Error(err))
		}
	}()
	log.Info("Started Grpc server", zap.String("name", name), zap.String("address", listener.Addr().String()))
	return c, nil
}

func (c *defaultGrpcServer) Port() int {
	return c.port
}

func (c *defaultGrpcServer) Close() error {
	c.server.GracefulStop()
	<-c.done
	log.Info("Stopped Grpc server", zap.String("name", c.name))
	return nil
}
