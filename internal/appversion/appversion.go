// Package appversion decides whether a client release may still use the
// service, given the currently published AppVersion.
package appversion

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// DefaultUpdateMessage is shown to blocked clients when the published
// version carries no message of its own.
const DefaultUpdateMessage = "A new version of the app is available. Please update to continue using the app."

var ErrInvalidVersion = errors.New("invalid version")

// Default is reported while no version has been published.
func Default() *models.AppVersion {
	return &models.AppVersion{
		VersionNumber:          "1.0.0",
		MinimumRequiredVersion: "1.0.0",
		IsActive:               true,
		ReleaseNotes:           "Initial version",
		UpdateMessage:          DefaultUpdateMessage,
	}
}

// Result is the answer to a version check.
type Result struct {
	CurrentVersion         string `json:"current_version"`
	MinimumRequiredVersion string `json:"minimum_required_version"`
	ForceUpdate            bool   `json:"force_update"`
	IsValid                bool   `json:"is_valid"`
	RequiresUpdate         bool   `json:"requires_update"`
	IsBlocked              bool   `json:"is_blocked"`
	Message                string `json:"message"`
	UpdateURL              string `json:"update_url"`
	ReleaseNotes           string `json:"release_notes"`
}

// Parse splits a dotted version such as "1.2.3" into its numeric parts.
// Any number of parts is accepted; each must be a non-empty run of digits.
func Parse(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	fields := strings.Split(s, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		parts[i] = n
	}
	return parts, nil
}

// Compare orders two parsed versions, padding the shorter with zeros, so
// "1.2" equals "1.2.0". It returns -1, 0 or 1.
func Compare(a, b []int) int {
	for i := 0; i < max(len(a), len(b)); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Check evaluates appVersion against v. An empty appVersion only reports
// the published version. A malformed one is blocked. Below the minimum, or
// below the current version while a forced update is on, is blocked too.
func Check(v *models.AppVersion, appVersion string) Result {
	res := Result{
		CurrentVersion:         v.VersionNumber,
		MinimumRequiredVersion: v.MinimumRequiredVersion,
		ForceUpdate:            v.ForceUpdate,
		UpdateURL:              v.UpdateURL,
		ReleaseNotes:           v.ReleaseNotes,
	}
	if appVersion == "" {
		res.IsValid = true
		res.Message = "Current app version: " + v.VersionNumber
		return res
	}

	blocked := func(fallback string) Result {
		res.RequiresUpdate = true
		res.IsBlocked = true
		res.Message = v.UpdateMessage
		if res.Message == "" {
			res.Message = fallback
		}
		return res
	}

	app, err := Parse(appVersion)
	if err != nil {
		res.RequiresUpdate = true
		res.IsBlocked = true
		res.Message = "Invalid app version format. Please update the app."
		return res
	}
	current, errCurrent := Parse(v.VersionNumber)
	minimum, errMinimum := Parse(v.MinimumRequiredVersion)
	if errCurrent != nil || errMinimum != nil {
		return blocked(DefaultUpdateMessage)
	}

	if v.ForceUpdate && Compare(app, current) < 0 {
		return blocked("A new version is required. Please update the app.")
	}
	if Compare(app, minimum) < 0 {
		return blocked(fmt.Sprintf("App version %s is no longer supported. Please update to version %s or higher.",
			appVersion, v.MinimumRequiredVersion))
	}

	res.IsValid = true
	res.Message = "App version is up to date."
	return res
}

// Validate checks a version about to be published.
func Validate(v *models.AppVersion) error {
	current, err := Parse(v.VersionNumber)
	if err != nil {
		return fmt.Errorf("version_number: %w", err)
	}
	minimum, err := Parse(v.MinimumRequiredVersion)
	if err != nil {
		return fmt.Errorf("minimum_required_version: %w", err)
	}
	if Compare(minimum, current) > 0 {
		return fmt.Errorf("minimum_required_version: %w: above version_number", ErrInvalidVersion)
	}
	return nil
}
