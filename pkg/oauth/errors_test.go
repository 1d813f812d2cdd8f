// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := &Error{Code: ErrorCodeInvalidGrant}
	assert.Equal(t, "invalid_grant", err.Error())

	err = ErrInvalidGrant.WithDescription("code %q already used", "code_x")
	assert.Equal(t, `invalid_grant: code "code_x" already used`, err.Error())
}

func TestWithDescriptionDoesNotMutateBase(t *testing.T) {
	t.Parallel()

	derived := ErrInvalidRequest.WithDescription("missing code")
	assert.Equal(t, "missing code", derived.Description)
	assert.NotEqual(t, derived.Description, ErrInvalidRequest.Description)
	assert.Equal(t, ErrInvalidRequest.Status, derived.Status)
}

func TestErrorSerialization(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ErrInvalidClient.WithDescription("bad secret"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"invalid_client","error_description":"bad secret"}`, string(data),
		"the HTTP status must not leak into the body")
}

func TestBaseErrorStatuses(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, ErrInvalidRequest.Status)
	assert.Equal(t, http.StatusUnauthorized, ErrInvalidClient.Status)
	assert.Equal(t, http.StatusBadRequest, ErrInvalidGrant.Status)
	assert.Equal(t, http.StatusNotFound, ErrNotFound.Status)
	assert.Equal(t, http.StatusInternalServerError, ErrServerError.Status)
}
