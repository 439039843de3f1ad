package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Release is a published actions/runner release
type Release struct {
	Tag     string
	Version string // Tag without the leading "v"
	Assets  []Asset
}

type Asset struct {
	Name        string
	DownloadURL string
}

// PackageName returns the runner tarball name for a platform, e.g.
// actions-runner-linux-x64-2.319.1.tar.gz.
func (r *Release) PackageName(platform string) string {
	return fmt.Sprintf("actions-runner-%s-%s.tar.gz", platform, r.Version)
}

// Asset returns the release asset with the given file name.
func (r *Release) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// APIError is a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 or 403 response.
func IsUnauthorized(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) &&
		(apiError.StatusCode == http.StatusUnauthorized || apiError.StatusCode == http.StatusForbidden)
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiError.Message = wire.Message
	} else {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		apiError.Message = string(body)
	}
	return apiError
}
