package cli

import (
	"errors"

	"github.com/tansive/ckansync/internal/common/apperrors"
)

var (
	ErrUsage         apperrors.Error = apperrors.ErrUsage.New("invalid command usage")
	ErrConfig        apperrors.Error = apperrors.ErrUsage.New("invalid configuration")
	ErrConfigMissing apperrors.Error = apperrors.ErrNotFound.New("config file not found")
	ErrConfigRead    apperrors.Error = apperrors.ErrIO.New("unable to read config file")
	ErrConfigWrite   apperrors.Error = apperrors.ErrIO.New("unable to write config file")
	ErrConfigParse   apperrors.Error = apperrors.ErrParse.New("unable to parse config file")
	ErrOutput        apperrors.Error = apperrors.ErrIO.New("unable to write output")
)

// errorText renders err for the ERROR line. Validation errors carry the
// portal's field messages, which are included.
func errorText(err error) string {
	var ae apperrors.Error
	if errors.As(err, &ae) {
		return ae.ErrorAll()
	}
	return err.Error()
}
