package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"paywatch/internal/config"

	tele "gopkg.in/telebot.v4"
)

// ErrTokenRejected means the Bot API refused the token. It is a
// configuration error.
var ErrTokenRejected = fmt.Errorf("%w: telegram bot token rejected", config.ErrInvalid)

// VerifyToken calls getMe and returns the bot username. A rejected token
// yields ErrTokenRejected; any other failure is returned as is and should
// only be logged.
func VerifyToken(ctx context.Context, cfg Config) (string, error) {
	cfg = cfg.withDefaults()

	type result struct {
		bot *tele.Bot
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			URL:    strings.TrimRight(cfg.APIURL, "/"),
			Token:  cfg.Token,
			Client: &http.Client{Timeout: cfg.Timeout},
		})
		done <- result{bot: b, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			if isAuthFailure(r.err) {
				return "", fmt.Errorf("%w: %v", ErrTokenRejected, r.err)
			}
			return "", fmt.Errorf("telegram getMe: %w", r.err)
		}
		return r.bot.Me.Username, nil
	}
}

func isAuthFailure(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == http.StatusUnauthorized || te.Code == http.StatusNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "(401)") || strings.Contains(msg, "(404)")
}
