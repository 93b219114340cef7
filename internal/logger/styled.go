package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting for the
// vocabulary this orchestrator logs about most: servers, health state and
// breaker transitions.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(log *slog.Logger, t *theme.Theme) *StyledLogger {
	return &StyledLogger{logger: log, theme: t}
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Counts}.Sprint("(", count, ")"))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) InfoWithServer(msg string, serverID string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Server}.Sprint(serverID))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) WarnWithServer(msg string, serverID string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Server}.Sprint(serverID))
	sl.logger.Warn(styled, args...)
}

func (sl *StyledLogger) ErrorWithServer(msg string, serverID string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Server}.Sprint(serverID))
	sl.logger.Error(styled, args...)
}

func (sl *StyledLogger) InfoHealthy(msg string, serverID string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.HealthHealthy}.Sprint(serverID))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) InfoUnhealthy(msg string, serverID string, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.HealthUnhealthy}.Sprint(serverID))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) InfoHealthStatus(msg, serverID string, healthy bool, args ...any) {
	statusColor := sl.theme.HealthHealthy
	statusText := "Healthy"
	if !healthy {
		statusColor = sl.theme.HealthUnhealthy
		statusText = "Unhealthy"
	}
	styled := fmt.Sprintf("%s %s is %s", msg,
		pterm.Style{sl.theme.Server}.Sprint(serverID),
		pterm.Style{statusColor}.Sprint(statusText))
	sl.logger.Info(styled, args...)
}

func (sl *StyledLogger) InfoBreakerTransition(msg, serverID, model string, from, to domain.BreakerState, args ...any) {
	styled := fmt.Sprintf("%s %s/%s %s -> %s", msg,
		pterm.Style{sl.theme.Server}.Sprint(serverID), model,
		pterm.Style{sl.theme.HealthUnhealthy}.Sprint(from.String()),
		pterm.Style{sl.theme.HealthHealthy}.Sprint(to.String()))
	sl.logger.Warn(styled, args...)
}

func (sl *StyledLogger) InfoWithHealthStats(msg string, healthy, unhealthy int, args ...any) {
	allArgs := make([]any, 0, len(args)+4)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs,
		"healthy", pterm.Style{sl.theme.HealthHealthy}.Sprint(healthy),
		"unhealthy", pterm.Style{sl.theme.HealthUnhealthy}.Sprint(unhealthy),
	)
	sl.logger.Info(msg, allArgs...)
}

// GetUnderlying returns the wrapped slog.Logger for callers needing raw access.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}

func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}
	return sl.With(args...)
}
