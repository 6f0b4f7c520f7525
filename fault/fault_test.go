package fault

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappersPreserveSentinel(t *testing.T) {
	assert.ErrorIs(t, NotFound("guild %d", 7), ErrNotFound)
	assert.ErrorIs(t, InvalidState("bad"), ErrInvalidState)
	assert.ErrorIs(t, Conflict("dup"), ErrConflict)
	assert.ErrorIs(t, PermissionDenied("nope"), ErrPermissionDenied)
	assert.ErrorIs(t, CapacityExceeded("full"), ErrCapacityExceeded)
	assert.ErrorIs(t, Persistence(errors.New("disk")), ErrPersistence)
}

func TestWrappersKeepDetail(t *testing.T) {
	err := NotFound("guild %d", 7)
	assert.Contains(t, err.Error(), "guild 7")
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("x"), http.StatusNotFound},
		{InvalidState("x"), http.StatusConflict},
		{Conflict("x"), http.StatusConflict},
		{PermissionDenied("x"), http.StatusForbidden},
		{CapacityExceeded("x"), http.StatusUnprocessableEntity},
		{Persistence(errors.New("x")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}
