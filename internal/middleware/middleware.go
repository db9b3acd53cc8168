package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabasco/internal/command"
	terrors "tabasco/internal/errors"
	"tabasco/internal/logging"
)

// Handler serves one decoded control-socket command.
type Handler func(ctx context.Context, cmd command.Command) (any, error)

type Middleware func(Handler) Handler

// Chain wraps h so the first middleware listed runs innermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// RequestID keeps the id the client sent, or assigns one.
func RequestID(next Handler) Handler {
	return func(ctx context.Context, cmd command.Command) (any, error) {
		if _, ok := logging.RequestIDFromContext(ctx); !ok {
			ctx = logging.ContextWithRequestID(ctx, uuid.New().String())
		}
		return next(ctx, cmd)
	}
}

// Validate rejects malformed commands before they reach the daemon.
func Validate(next Handler) Handler {
	return func(ctx context.Context, cmd command.Command) (any, error) {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		return next(ctx, cmd)
	}
}

func Logger(logger *logging.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd command.Command) (any, error) {
			start := time.Now()

			result, err := next(ctx, cmd)

			fields := []zap.Field{
				zap.String("command", cmd.Name()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				fields = append(fields,
					zap.String("error_type", string(terrors.TypeOf(err))),
					zap.Error(err))
				logger.WithRequestID(ctx).Warn("request failed", fields...)
				return result, err
			}
			logger.WithRequestID(ctx).Info("request completed", fields...)
			return result, nil
		}
	}
}

func Recover(logger *logging.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd command.Command) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithRequestID(ctx).Error("panic recovered",
						zap.String("command", cmd.Name()),
						zap.Any("error", r),
					)
					result, err = nil, terrors.Internal(fmt.Sprintf("panic handling %s", cmd.Name()), nil)
				}
			}()
			return next(ctx, cmd)
		}
	}
}
