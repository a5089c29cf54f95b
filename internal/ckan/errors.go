package ckan

import (
	"errors"
	"fmt"

	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/common/httpclient"
)

var (
	ErrResourceNotFound apperrors.Error = apperrors.ErrNotFound.New("resource not found").WithDetail(apperrors.DetailItem, "resource")
	ErrPackageNotFound  apperrors.Error = apperrors.ErrNotFound.New("package not found").WithDetail(apperrors.DetailItem, "package")
	ErrTableNotFound    apperrors.Error = apperrors.ErrNotFound.New("datastore table not found").WithDetail(apperrors.DetailItem, "datastore")
	ErrNotFound         apperrors.Error = apperrors.ErrNotFound.New("not found")
	ErrNotAuthorized    apperrors.Error = apperrors.ErrNotAuthorized.New("not authorized")
	ErrValidation       apperrors.Error = apperrors.ErrValidation.New("portal rejected the request")
	ErrRemote           apperrors.Error = apperrors.ErrIO.New("portal request failed")
	ErrDecode           apperrors.Error = apperrors.ErrParse.New("unexpected portal response")
	ErrMissingSource    apperrors.Error = apperrors.ErrUsage.New("you must specify either a `url`, `filepath`, or `upload`")
	ErrConflictingSrc   apperrors.Error = apperrors.ErrUsage.New("specify only one of `url`, `filepath`, or `upload`")
	ErrNoRemote         apperrors.Error = apperrors.ErrUsage.New("no remote portal configured")
)

// filestoreMissing is the message used whenever a resource is absent.
func filestoreMissing(id string) string {
	return fmt.Sprintf("Resource `%s` was not found in filestore.", id)
}

// isResourceValidationMiss reports the validation shape the portal uses
// for an unknown resource_id: {"resource_id": ["Not found: Resource"]}.
func isResourceValidationMiss(ae *httpclient.ActionError) bool {
	msgs := ae.FieldMessages("resource_id")
	return len(msgs) == 1 && msgs[0] == "Not found: Resource"
}

// classify converts a transport or portal error into the error taxonomy.
// notFound is the error used for a not-found answer; it keeps its own
// message and carries the portal error as a wrapped error.
func classify(err error, action string, notFound apperrors.Error) error {
	if err == nil {
		return nil
	}
	var appErr apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	var ae *httpclient.ActionError
	if errors.As(err, &ae) {
		switch {
		case ae.Type == "Not Found Error" || ae.StatusCode == 404:
			return notFound.Err(ae)
		case ae.Type == "Authorization Error" || ae.StatusCode == 403:
			return ErrNotAuthorized.MsgErr(fmt.Sprintf("%s: not authorized", action), ae)
		case ae.Type == "Validation Error" || ae.StatusCode == 409:
			return validationError(action, ae)
		}
		return ErrRemote.MsgErr(fmt.Sprintf("%s failed", action), ae)
	}

	if errors.Is(err, httpclient.ErrForbiddenRedirect) {
		return ErrNotAuthorized.MsgErr("access denied by the portal", err)
	}

	switch httpclient.StatusCode(err) {
	case 401, 403:
		return ErrNotAuthorized.MsgErr(fmt.Sprintf("%s: access denied", action), err)
	case 404:
		return notFound
	}
	return ErrRemote.MsgErr(fmt.Sprintf("%s failed", action), err)
}

func validationError(action string, ae *httpclient.ActionError) apperrors.Error {
	e := ErrValidation.MsgErr(fmt.Sprintf("%s: %s", action, ae.Error()), ae)
	for k, v := range ae.Fields {
		e = e.WithDetail(k, v)
	}
	return e
}
