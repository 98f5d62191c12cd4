// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
)

// BackendError represents an error response from a backend API, preserving
// enough raw detail for classification.
type BackendError struct {
	Provider model.Provider
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Kind classifies the backend error into a canonical kind.
func (e *BackendError) Kind() apierr.Kind {
	return apierr.Classify(e.Message, e.Status)
}
