package apperrors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("chaining", func(t *testing.T) {
		ErrBaseErr := New("base error")
		assert.Equal(t, "base error", ErrBaseErr.Error())
		assert.Equal(t, "msg", ErrBaseErr.New("msg").Error())
		assert.ErrorIs(t, ErrBaseErr, ErrBaseErr)

		ErrFirstLevel := ErrBaseErr.New("first level")
		assert.Equal(t, "first level", ErrFirstLevel.Error())
		assert.ErrorIs(t, ErrFirstLevel, ErrBaseErr)

		ErrAnotherErr := New("another error")
		ErrAnotherErrMsg := ErrAnotherErr.Msg("another error msg")
		ErrWrappedErr := ErrFirstLevel.Err(ErrAnotherErrMsg)
		assert.Equal(t, "first level", ErrWrappedErr.Error())
		assert.ErrorIs(t, ErrWrappedErr, ErrBaseErr)
		assert.ErrorIs(t, ErrWrappedErr, ErrAnotherErr)
		assert.ErrorIs(t, ErrWrappedErr, ErrAnotherErrMsg)

		err := errors.New("error")
		ErrWrappedErr = ErrFirstLevel.MsgErr("msg", err)
		assert.Equal(t, "msg", ErrWrappedErr.Error())
		assert.ErrorIs(t, ErrWrappedErr, ErrBaseErr)
		assert.ErrorIs(t, ErrWrappedErr, err)

		goErr := fmt.Errorf("wrapped: %w", ErrFirstLevel)
		assert.ErrorIs(t, goErr, ErrBaseErr)
	})

	t.Run("status codes are inherited", func(t *testing.T) {
		e := New("root").SetStatusCode(http.StatusTeapot)
		assert.Equal(t, http.StatusTeapot, e.New("child").StatusCode())
		assert.Equal(t, http.StatusTeapot, e.Msg("child").StatusCode())
		assert.Equal(t, 0, New("plain").StatusCode())
	})

	t.Run("details", func(t *testing.T) {
		root := New("root")
		withItem := root.New("package missing").WithDetail(DetailItem, "package")
		v, ok := withItem.Detail(DetailItem)
		assert.True(t, ok)
		assert.Equal(t, "package", v)

		_, ok = root.Detail(DetailItem)
		assert.False(t, ok, "WithDetail must not mutate the receiver")

		child := withItem.Msg("outer")
		v, ok = child.Detail(DetailItem)
		assert.True(t, ok, "details are visible through the base chain")
		assert.Equal(t, "package", v)
		assert.Empty(t, child.Details())
	})

	t.Run("ErrorAll", func(t *testing.T) {
		e := New("rejected").SetExpandError(true).
			WithDetail("resource_id", []string{"Not found: Resource"}).
			Err(errors.New("remote said no"))
		assert.Equal(t, "rejected", e.Error())
		assert.Contains(t, e.ErrorAll(), "remote said no")

		plain := New("quiet").Err(errors.New("hidden"))
		assert.Equal(t, "quiet", plain.ErrorAll())
	})
}

func TestTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"not found", ErrNotFound.New("Resource `rid` was not found"), "NotFound"},
		{"not authorized", ErrNotAuthorized.Msg("denied"), "NotAuthorized"},
		{"validation", ErrValidation.New("bad shape"), "ValidationError"},
		{"parse", ErrParse.New("empty file"), "ParseError"},
		{"io", ErrIO.Err(errors.New("disk")), "IOError"},
		{"usage", ErrUsage.New("need a url"), "UsageError"},
		{"foreign", errors.New("other"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Kind(tt.err))
		})
	}

	err := fmt.Errorf("lookup: %w", ErrNotFound.New("no package").WithDetail(DetailItem, "package"))
	assert.Equal(t, "package", Item(err))
	assert.Equal(t, "", Item(errors.New("plain")))
}
