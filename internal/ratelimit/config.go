// Package ratelimit implements fixed-window per-origin admission control.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Names of the limiters the gate mounts.
const (
	NameAPI    = "api"
	NameAuth   = "auth"
	NameUpload = "upload"
)

// ErrInvalidConfig reports a limiter configuration that cannot be used.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

var validate = validator.New()

// Config describes one limiter instance.
type Config struct {
	Name   string        `validate:"required"`
	Window time.Duration `validate:"gt=0"`
	Max    int           `validate:"gt=0"`
	// SkipSuccessfulRequests refunds the request when the response status is below 400.
	SkipSuccessfulRequests bool
	// SkipFailedRequests refunds the request when the response status is 400 or above.
	SkipFailedRequests bool
}

// Validate checks that the window and budget are positive.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidConfig, c.Name, err)
	}
	if c.SkipSuccessfulRequests && c.SkipFailedRequests {
		return fmt.Errorf("%w %q: cannot skip both successful and failed requests", ErrInvalidConfig, c.Name)
	}
	return nil
}

// MarshalJSON renders the window in milliseconds.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name                   string `json:"name"`
		WindowMs               int64  `json:"windowMs"`
		Max                    int    `json:"max"`
		SkipSuccessfulRequests bool   `json:"skipSuccessfulRequests"`
		SkipFailedRequests     bool   `json:"skipFailedRequests"`
	}{c.Name, c.Window.Milliseconds(), c.Max, c.SkipSuccessfulRequests, c.SkipFailedRequests})
}

// APIConfig is the general API budget: 100 requests per 15 minutes.
func APIConfig() Config {
	return Config{Name: NameAPI, Window: 15 * time.Minute, Max: 100}
}

// AuthConfig is the login budget: 5 failed attempts per 15 minutes.
func AuthConfig() Config {
	return Config{Name: NameAuth, Window: 15 * time.Minute, Max: 5, SkipSuccessfulRequests: true}
}

// UploadConfig is the upload budget: 20 requests per hour.
func UploadConfig() Config {
	return Config{Name: NameUpload, Window: time.Hour, Max: 20}
}
