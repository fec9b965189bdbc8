package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/dispatch"
	"github.com/matheus3301/medchat/internal/presenter"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/upload"
	"github.com/matheus3301/medchat/internal/wire"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC status codes. The message keeps the
// full wrapped text so clients can show the server's reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	var (
		we wire.Error
		se *restapi.StatusError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, dispatch.ErrCreateTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, conn.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, conn.ErrNotConnected), errors.Is(err, upload.ErrUploadFailed):
		return codes.Unavailable
	case errors.Is(err, dispatch.ErrNotEligible):
		return codes.PermissionDenied
	case errors.Is(err, dispatch.ErrInvalidRole),
		errors.Is(err, dispatch.ErrEmptyMessage),
		errors.Is(err, upload.ErrFileTooLarge),
		errors.Is(err, upload.ErrFileTypeNotAllowed):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrUnknownConversation),
		errors.Is(err, store.ErrUnknownMessage),
		errors.Is(err, upload.ErrUnknownUpload),
		errors.Is(err, fs.ErrNotExist):
		return codes.NotFound
	case errors.Is(err, store.ErrNotFailed), errors.Is(err, presenter.ErrSearchUnavailable):
		return codes.FailedPrecondition
	case errors.As(err, &we):
		switch we.Code {
		case wire.CodeUnauthenticated:
			return codes.Unauthenticated
		case wire.CodeForbidden:
			return codes.PermissionDenied
		case wire.CodeNotFound:
			return codes.NotFound
		case wire.CodeInvalid:
			return codes.InvalidArgument
		}
	case errors.As(err, &se):
		switch {
		case se.Unauthorized():
			return codes.Unauthenticated
		case se.Status == http.StatusNotFound:
			return codes.NotFound
		default:
			return codes.Unavailable
		}
	}
	return codes.Internal
}
