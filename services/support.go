package services

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/lborres/accountd/core"
)

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}

// mailer sends transactional email without ever failing the caller.
type mailer struct {
	sender core.EmailSender
	logger *slog.Logger
}

func (m mailer) send(ctx context.Context, template core.EmailTemplate, to string, vars map[string]string) {
	if m.sender == nil {
		return
	}
	if err := m.sender.Send(ctx, template, to, vars); err != nil {
		m.logger.Warn("email dispatch failed",
			slog.String("template", string(template)),
			slog.String("error", err.Error()))
	}
}

// clock is swapped in tests.
type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
