package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{Invalid("/name", "must be a string"), http.StatusBadRequest},
		{Logic("device is not retired"), http.StatusConflict},
		{NotFound("/devices/0", "no such device"), http.StatusNotFound},
		{&Error{Kind: "bogus"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestErrors_Unwraps(t *testing.T) {
	wrapped := fmt.Errorf("resurrect: %w", Logic("device cannot be resurrected"))
	errs := Errors(wrapped)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	assert.Equal(t, KindLogic, errs[0].Kind)
	assert.Equal(t, "device cannot be resurrected", errs[0].Message)
	assert.Equal(t, http.StatusConflict, StatusOf(wrapped))
}

func TestErrors_List(t *testing.T) {
	var list List
	assert.NoError(t, list.Err())

	list = append(list, Invalid("/name", "must be a string"), Invalid("/cookie", "must be a string"))
	err := fmt.Errorf("validate: %w", list.Err())

	errs := Errors(err)
	assert.Len(t, errs, 2)
	assert.Equal(t, "/cookie", errs[1].Path)
	assert.Equal(t, KindInvalid, KindOf(err))
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
}

func TestErrors_HidesInternalCause(t *testing.T) {
	errs := Errors(errors.New("disk I/O error at /var/lib/verdict.db"))
	assert.Len(t, errs, 1)
	assert.Equal(t, KindInternal, errs[0].Kind)
	assert.NotContains(t, errs[0].Message, "/var/lib")
	assert.Nil(t, Errors(nil))
	assert.Equal(t, http.StatusOK, StatusOf(nil))
}
