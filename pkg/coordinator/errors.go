package coordinator

import (
	"context"
	"errors"

	"github.com/Sternrassler/reinfolib-cache/pkg/cache"
	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
	"github.com/Sternrassler/reinfolib-cache/pkg/resource"
)

// ErrorKind names the error taxonomy bucket of err, for stats and spans.
func ErrorKind(err error) string {
	var (
		cfgErr  *client.ConfigError
		valErr  *request.ValidationError
		failure *client.UpstreamFailure
		httpErr *client.HTTPError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &failure):
		return "upstream_failure"
	case errors.As(err, &httpErr):
		return string(httpErr.Class)
	case errors.Is(err, resource.ErrNotFound):
		return "not_found"
	case errors.Is(err, cache.ErrCache):
		return "cache"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "internal"
	}
}
