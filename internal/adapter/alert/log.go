// Package alert delivers structured failure and discrepancy events.
package alert

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

var _ port.AlertGateway = (*LogGateway)(nil)

// LogGateway writes alerts to the log. Used when no webhook is configured.
type LogGateway struct {
	log zerolog.Logger
}

func NewLogGateway(log zerolog.Logger) *LogGateway {
	return &LogGateway{log: log.With().Str("component", "alerts").Logger()}
}

func (g *LogGateway) Send(ctx context.Context, alert domain.Alert) error {
	ev := g.log.Warn().
		Str("kind", string(alert.Kind)).
		Str("order_id", alert.OrderID).
		Str("sku", alert.SKU).
		Time("at", alert.Timestamp)
	for k, v := range alert.Context {
		ev = ev.Str(k, v)
	}
	ev.Msg(alert.Detail)
	return nil
}
