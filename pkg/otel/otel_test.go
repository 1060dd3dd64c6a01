package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestInterceptorsPropagateTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	tracer = nil
	defer func() {
		otel.SetTracerProvider(previous)
		tracer = nil
	}()

	ctx, parent := provider.Tracer("caller").Start(context.Background(), "caller")
	var outgoing metadata.MD
	err := ClientGrpcInterceptor(ctx, "/chunkmeta.ChunkCatalog/GetCollection", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			outgoing, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)
	parent.End()
	assert.Equal(t, []string{parent.SpanContext().TraceID().String()}, outgoing.Get(traceIDKey))

	serverCtx := metadata.NewIncomingContext(context.Background(), outgoing)
	info := &grpc.UnaryServerInfo{FullMethod: "/chunkmeta.ChunkCatalog/GetCollection"}
	_, err = ServerGrpcInterceptor(serverCtx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	var server sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "Request "+info.FullMethod {
			server = s
		}
	}
	require.NotNil(t, server)
	assert.Equal(t, parent.SpanContext().TraceID(), server.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), server.Parent().SpanID())
	assert.True(t, server.Parent().IsRemote())
}

func TestServerInterceptorHonorsUnsampledCaller(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	tracer = nil
	defer func() {
		otel.SetTracerProvider(previous)
		tracer = nil
	}()

	unsampled := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	ctx, parent := unsampled.Tracer("caller").Start(context.Background(), "caller")
	defer parent.End()
	var outgoing metadata.MD
	err := ClientGrpcInterceptor(ctx, "/chunkmeta.ChunkCatalog/ListShards", nil, nil, nil,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
			outgoing, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"00"}, outgoing.Get(traceFlagsKey))

	info := &grpc.UnaryServerInfo{FullMethod: "/chunkmeta.ChunkCatalog/ListShards"}
	_, err = ServerGrpcInterceptor(metadata.NewIncomingContext(context.Background(), outgoing), nil, info,
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Empty(t, recorder.Ended())
}

func TestServerInterceptorWithoutMetadata(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/chunkmeta.ChunkCatalog/ListShards"}
	resp, err := ServerGrpcInterceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, resp)
}
