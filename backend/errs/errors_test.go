// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{NotFound("missing"), http.StatusNotFound},
		{Unauthorized("nope"), http.StatusUnauthorized},
		{NotAdmin("nope"), http.StatusForbidden},
		{Conflict("clash"), http.StatusConflict},
		{ResourceExhausted("empty"), http.StatusTooManyRequests},
		{InvalidState("bad transition"), http.StatusUnprocessableEntity},
		{Expired("too late"), http.StatusGone},
		{InvalidRequest("bad input"), http.StatusBadRequest},
		{Internal(nil, "boom"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), "err=%v", tc.err)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("x")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("context: %w", Conflict("clash"))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeConflict))
	assert.False(t, Is(wrapped, CodeNotFound))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("db down")
	err := Internal(cause, "fetch conversation")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch conversation")
}

func TestMessageFormatting(t *testing.T) {
	err := NotFound("conversation %s not found", "c1")
	assert.Equal(t, "conversation c1 not found", err.Message)
}
