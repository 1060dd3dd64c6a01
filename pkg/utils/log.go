package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"google.golang.org/protobuf/encoding/protojson"
	pb "google.golang.org/protobuf/proto"
)

const DefaultLogLevel = zerolog.InfoLevel

var (
	// LogLevel is set from --log-level.
	LogLevel = DefaultLogLevel
	// LogJson is set from --log-json.
	LogJson bool
)

// ConfigureLogger sets up the process logger. Protobuf payloads (notification
// bodies) are rendered with protojson and keys or versions with their String form.
func ConfigureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	protoMarshal := protojson.MarshalOptions{
		EmitUnpopulated: true,
	}
	zerolog.InterfaceMarshalFunc = func(i any) ([]byte, error) {
		switch v := i.(type) {
		case pb.Message:
			return protoMarshal.Marshal(v)
		case json.Marshaler:
			return v.MarshalJSON()
		case fmt.Stringer:
			return json.Marshal(v.String())
		}
		return json.Marshal(i)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Stack().Logger()
	if !LogJson {
		logger = logger.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.StampMicro,
		})
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(LogLevel)
}

// ParseLogLevel accepts zerolog level names.
func ParseLogLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return DefaultLogLevel, nil
	}
	return zerolog.ParseLevel(level)
}
