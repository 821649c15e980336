package uploads

import (
	"context"
	stderrors "errors"
	"net/http"

	"google.golang.org/api/googleapi"

	dserr "github.com/i4g/dossiers/pkg/errors"
	"github.com/i4g/dossiers/pkg/signatures"
	"github.com/i4g/dossiers/pkg/types"
)

// Uploader copies signed artifacts to remote storage. Expected problems
// (no destination, missing files, remote rejections) come back as warnings;
// the error return is reserved for misuse.
type Uploader interface {
	Upload(ctx context.Context, entries []signatures.Entry, plan types.Plan) ([]signatures.UploadRow, []string, error)
}

// Func adapts an ordinary function to the Uploader interface.
type Func func(ctx context.Context, entries []signatures.Entry, plan types.Plan) ([]signatures.UploadRow, []string, error)

// Upload calls f.
func (f Func) Upload(ctx context.Context, entries []signatures.Entry, plan types.Plan) ([]signatures.UploadRow, []string, error) {
	return f(ctx, entries, plan)
}

var (
	_ Uploader = Func(nil)
	_ Uploader = (*DriveUploader)(nil)
	_ Uploader = (*S3Uploader)(nil)
)

// classify maps a remote API failure onto the coded taxonomy so the retry
// executor can tell throttling and outages apart from rejected requests.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		return dserr.Wrap(err, codeForStatus(gerr.Code), message)
	}
	return dserr.Wrap(err, dserr.CodeConnectionFailed, message)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return dserr.CodeRateLimit
	case status >= 500:
		return dserr.CodeServiceUnavailable
	case status == http.StatusUnauthorized:
		return dserr.CodeAuthMissing
	case status == http.StatusForbidden:
		return dserr.CodeAuthPermission
	case status == http.StatusNotFound:
		return dserr.CodeResourceNotFound
	default:
		return dserr.CodeInvalidInput
	}
}

// localDigests returns the manifest-algorithm digest, the md5 used for
// reconciling with the remote checksum, and the file size.
func localDigests(path, algorithm string) (string, string, int64, error) {
	digest, size, err := signatures.HashFile(path, algorithm)
	if err != nil {
		return "", "", 0, err
	}
	if algorithm == "md5" {
		return digest, digest, size, nil
	}
	md5sum, _, err := signatures.HashFile(path, "md5")
	if err != nil {
		return "", "", 0, err
	}
	return digest, md5sum, size, nil
}
