package tabular

import "github.com/tansive/ckansync/internal/common/apperrors"

var (
	ErrEmptyFile apperrors.Error = apperrors.ErrParse.New("file has no rows")
	ErrNoParser  apperrors.Error = apperrors.ErrParse.New("no parser for file format")
	ErrDecode    apperrors.Error = apperrors.ErrParse.New("unable to decode file")
	ErrMalformed apperrors.Error = apperrors.ErrParse.New("malformed file")
	ErrNoSheet   apperrors.Error = apperrors.ErrParse.New("sheet not found")
	ErrOpen      apperrors.Error = apperrors.ErrIO.New("unable to open file")
)
