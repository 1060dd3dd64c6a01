package grpcutils

import (
	"context"
	"errors"
	"strings"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is carried in the ErrorInfo detail of every error the catalog
// service returns.
const ErrorDomain = "chunkmeta"

const (
	codesMetadataKey    = "codes"
	argumentMetadataKey = "argument"
)

var grpcCodes = map[string]codes.Code{
	common.CodeCollectionNotFound:             codes.NotFound,
	common.CodeChunkNotFound:                  codes.NotFound,
	common.CodeMigrationNotFound:              codes.NotFound,
	common.CodeShardNotFound:                  codes.NotFound,
	common.CodeCollectionAlreadySharded:       codes.AlreadyExists,
	common.CodeInvalidRange:                   codes.FailedPrecondition,
	common.CodeInvalidSplitPoint:              codes.FailedPrecondition,
	common.CodeChunksNotContiguous:            codes.FailedPrecondition,
	common.CodeChunksNotSameOwner:             codes.FailedPrecondition,
	common.CodeStaleVersion:                   codes.FailedPrecondition,
	common.CodeStaleEpoch:                     codes.FailedPrecondition,
	common.CodeWriteConflict:                  codes.Aborted,
	common.CodeConflictingOperationInProgress: codes.Aborted,
	common.CodeMigrationAborted:               codes.Aborted,
	common.CodeExceededTimeLimit:              codes.DeadlineExceeded,
	common.CodeCriticalSectionTimeout:         codes.DeadlineExceeded,
	common.CodeMigrationCorrupted:             codes.DataLoss,
	common.CodeChunkSetCorrupted:              codes.DataLoss,
	common.CodeShardUnreachable:               codes.Unavailable,
	common.CodeInvalidArgument:                codes.InvalidArgument,
}

func BuildInvalidArgumentGrpcError(fieldName string, desc string) (error, error) {
	log.Info("InvalidArgument", zap.String("fieldName", fieldName), zap.String("desc", desc))
	st := status.New(codes.InvalidArgument, "invalid "+fieldName+": "+desc)
	br := &errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{{
			Field:       fieldName,
			Description: desc,
		}},
	}
	info := &errdetails.ErrorInfo{
		Reason:   common.CodeInvalidArgument,
		Domain:   ErrorDomain,
		Metadata: map[string]string{codesMetadataKey: common.CodeInvalidArgument},
	}
	st, err := st.WithDetails(info, br)
	if err != nil {
		log.Error("Unexpected error attaching metadata", zap.Error(err))
		return nil, err
	}
	return st.Err(), nil
}

func BuildInternalGrpcError(msg string) error {
	return status.Error(codes.Internal, msg)
}

// BuildGrpcError turns an error of the catalog into a status error. The
// ErrorInfo detail names every sentinel err wraps so FromGrpcError can
// rebuild an error that matches the same errors.Is checks.
func BuildGrpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := common.CodeOf(err)
	grpcCode, ok := grpcCodes[code]
	if !ok {
		grpcCode = codes.Internal
	}
	if code == common.CodeInternal && errors.Is(err, context.Canceled) {
		grpcCode = codes.Canceled
	}
	info := &errdetails.ErrorInfo{
		Reason:   code,
		Domain:   ErrorDomain,
		Metadata: map[string]string{codesMetadataKey: strings.Join(common.CodesOf(err), ",")},
	}
	if sentinel := common.ArgumentSentinel(err); sentinel != nil {
		info.Metadata[argumentMetadataKey] = sentinel.Error()
	}
	st, detailErr := status.New(grpcCode, err.Error()).WithDetails(info)
	if detailErr != nil {
		log.Error("Unexpected error attaching metadata", zap.Error(detailErr))
		return status.Error(grpcCode, err.Error())
	}
	return st.Err()
}

// RemoteError is an error returned by the catalog service. It wraps the
// sentinels the server reported.
type RemoteError struct {
	Code    codes.Code
	Message string
	causes  []error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() []error {
	return e.causes
}

// FromGrpcError is the inverse of BuildGrpcError. Errors that are not status
// errors are returned unchanged.
func FromGrpcError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	remote := &RemoteError{Code: st.Code(), Message: st.Message()}
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			if d.GetDomain() != ErrorDomain {
				continue
			}
			for _, code := range strings.Split(d.GetMetadata()[codesMetadataKey], ",") {
				if sentinel := common.ErrorForCode(code); sentinel != nil {
					remote.causes = append(remote.causes, sentinel)
				}
			}
			if sentinel := common.ArgumentErrorFor(d.GetMetadata()[argumentMetadataKey]); sentinel != nil {
				remote.causes = append(remote.causes, sentinel)
			}
		case *errdetails.BadRequest:
			remote.causes = append(remote.causes, common.ErrInvalidArgument)
		}
	}
	if len(remote.causes) == 0 {
		switch st.Code() {
		case codes.Canceled:
			remote.causes = append(remote.causes, context.Canceled)
		case codes.DeadlineExceeded:
			remote.causes = append(remote.causes, common.ErrExceededTimeLimit)
		case codes.Unavailable:
			remote.causes = append(remote.causes, common.ErrShardUnreachable)
		case codes.InvalidArgument:
			remote.causes = append(remote.causes, common.ErrInvalidArgument)
		}
	}
	return remote
}
