package datasync

import "github.com/tansive/ckansync/internal/common/apperrors"

var (
	ErrChunkTooLarge apperrors.Error = apperrors.ErrValidation.New("chunk too large for the portal; lower the row chunksize and try again")
	ErrReadOnly      apperrors.Error = apperrors.ErrValidation.New("datastore table is read-only; set force and try again")
	ErrTempFile      apperrors.Error = apperrors.ErrIO.New("unable to stage the downloaded file")
)
