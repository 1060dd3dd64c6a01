package otel

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/pingcap/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelCode "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	traceIDKey    = "chunkmeta-traceid"
	spanIDKey     = "chunkmeta-spanid"
	traceFlagsKey = "chunkmeta-traceflags"
)

var tracer trace.Tracer

func getTracer() trace.Tracer {
	// Unit tests never call InitTracing.
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("LOCAL")
	}
	return tracer
}

func decodeTraceID(encoded string) (t trace.TraceID, err error) {
	var raw []byte
	raw, err = hex.DecodeString(encoded)
	if err != nil {
		err = fmt.Errorf("failed to decode traceID: %w", err)
		return
	}
	copy(t[:], raw)
	return
}

// decodeTraceFlags reads the caller's sampling decision. Callers that do not
// send one are treated as sampled.
func decodeTraceFlags(encoded string) trace.TraceFlags {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != 1 {
		return trace.FlagsSampled
	}
	return trace.TraceFlags(raw[0])
}

func decodeSpanID(encoded string) (s trace.SpanID, err error) {
	var raw []byte
	raw, err = hex.DecodeString(encoded)
	if err != nil {
		err = fmt.Errorf("failed to decode spanID: %w", err)
		return
	}
	copy(s[:], raw)
	return
}

// ServerGrpcInterceptor starts a span per unary call, continuing the caller's
// trace when it sent one in the request metadata.
func ServerGrpcInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	spanIDValue := decodeMetadataValue(md, spanIDKey)
	traceIDValue := decodeMetadataValue(md, traceIDKey)
	if spanIDValue != "" && traceIDValue != "" {
		if spanID, err := decodeSpanID(spanIDValue); err == nil {
			if traceID, err := decodeTraceID(traceIDValue); err == nil {
				ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
					TraceID:    traceID,
					SpanID:     spanID,
					TraceFlags: decodeTraceFlags(decodeMetadataValue(md, traceFlagsKey)),
					Remote:     true,
				}))
			}
		}
	}
	var span trace.Span
	ctx, span = getTracer().Start(ctx, "Request "+info.FullMethod)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", info.FullMethod))

	h, err := handler(ctx, req)
	if err != nil {
		handleError(span, info.FullMethod, err)
		return nil, err
	}
	span.SetStatus(otelCode.Ok, "ok")
	span.SetAttributes(attribute.String("rpc.status_code", "ok"))
	log.Debug("RPC call", zap.String("method", info.FullMethod), zap.String("status", "ok"))
	return h, nil
}

// ClientGrpcInterceptor forwards the current span in the outgoing metadata.
func ClientGrpcInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		ctx = metadata.AppendToOutgoingContext(ctx,
			traceIDKey, sc.TraceID().String(),
			spanIDKey, sc.SpanID().String(),
			traceFlagsKey, sc.TraceFlags().String())
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func handleError(span trace.Span, method string, err error) {
	st, _ := status.FromError(err)
	span.SetStatus(otelCode.Error, "error")
	span.SetAttributes(
		attribute.String("rpc.status_code", st.Code().String()),
		attribute.String("rpc.message", st.Message()),
	)
	log.Info("RPC call", zap.String("method", method), zap.String("status", st.Code().String()), zap.String("message", st.Message()))
}

func decodeMetadataValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
	// MetricsEnabled also exports the process meters to Endpoint.
	MetricsEnabled bool `yaml:"metricsEnabled"`
}

// InitTracing installs OTLP trace (and optionally metric) exporters as the
// global providers. The returned function flushes and stops them.
func InitTracing(ctx context.Context, config *TracingConfig) (func(context.Context) error, error) {
	exp, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.Endpoint),
		),
	)
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(config.Service),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(config.Service)

	shutdown := []func(context.Context) error{tp.Shutdown}
	if config.MetricsEnabled {
		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(config.Endpoint))
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdown = append(shutdown, mp.Shutdown)
	}
	log.Info("tracing initialized", zap.String("endpoint", config.Endpoint), zap.String("service", config.Service), zap.Bool("metrics", config.MetricsEnabled))
	return func(ctx context.Context) error {
		var firstErr error
		for _, fn := range shutdown {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}
