// Package health probes configured replication destinations and classifies
// every outcome into a small status taxonomy. A destination that cannot be
// reached is data, never an error.
package health

import (
	"errors"
	"net/http"
	"strings"

	"github.com/driftdb/drift/replication/executor"
)

// Well-known destination statuses. The default optimistic status is Valid
// with code 200; it survives any 2xx response.
const (
	StatusValid              = "Valid"
	StatusBundleNotActivated = "Replication bundle not activated."
	StatusAPIKeyAuthFailed   = "OAuth API-Key authentication failed"
	StatusBasicAuthFailed    = "Windows/basic authentication failed"
)

// Matched case-insensitively against error bodies; older peers phrase the
// message differently around it.
const bundleNotActivatedMarker = "replication bundle not activated"

// DestinationStatus is the classified outcome of probing one destination.
// A negative code is a transport failure kind; a positive code is an HTTP
// status code.
type DestinationStatus struct {
	URL    string `json:"url"`
	Store  string `json:"store"`
	Status string `json:"status"`
	Code   int    `json:"code"`
}

// Classify maps a received response onto the status taxonomy, first match
// wins. Only call it with an actual response; transport failures go through
// ClassifyFailure.
func Classify(resp *executor.Response) (string, int) {
	switch {
	case resp.IsSuccess():
		return StatusValid, http.StatusOK
	case resp.StatusCode == http.StatusBadRequest:
		errorText := resp.ErrorText()
		if strings.Contains(strings.ToLower(errorText), bundleNotActivatedMarker) {
			return StatusBundleNotActivated, http.StatusBadRequest
		}
		return errorText, http.StatusBadRequest
	case resp.StatusCode == http.StatusPreconditionFailed:
		return StatusAPIKeyAuthFailed, http.StatusPreconditionFailed
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusBasicAuthFailed, resp.StatusCode
	default:
		return resp.ReasonPhrase, resp.StatusCode
	}
}

// ClassifyFailure maps a transport failure onto the taxonomy. The code is
// the negated failure kind, so "never got a response" is distinguishable
// from an error response by sign.
func ClassifyFailure(err error) (string, int) {
	var failure *executor.RequestFailure
	if errors.As(err, &failure) {
		return failure.Error(), -int(failure.Kind)
	}
	return err.Error(), -int(executor.FailureUnknown)
}

// Unauthorized reports whether a classified code indicates a credential
// problem rather than an unreachable or misconfigured destination.
func Unauthorized(code int) bool {
	return code == http.StatusUnauthorized ||
		code == http.StatusForbidden ||
		code == http.StatusPreconditionFailed
}
