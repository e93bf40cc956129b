package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
	"github.com/rl1809/stock-sync/internal/telemetry"
)

const defaultAlertTimeout = 5 * time.Second

// Alerter forwards alerts to the gateway. Delivery failures are logged and
// never surface to the caller.
type Alerter struct {
	gateway port.AlertGateway
	timeout time.Duration
	metrics *telemetry.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewAlerter(gateway port.AlertGateway, log zerolog.Logger, metrics *telemetry.Metrics) *Alerter {
	return &Alerter{
		gateway: gateway,
		timeout: defaultAlertTimeout,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

func (a *Alerter) Emit(ctx context.Context, kind domain.AlertKind, op *domain.Operation, detail string, extra map[string]string) {
	alert := domain.Alert{
		Kind:      kind,
		Detail:    detail,
		Context:   extra,
		Timestamp: a.now(),
	}
	if op != nil {
		alert.OrderID = op.OrderID
		alert.SKU = op.SKU
		if alert.Context == nil {
			alert.Context = make(map[string]string)
		}
		alert.Context["operation_id"] = op.ID
		alert.Context["warehouse"] = op.Warehouse
	}
	a.send(ctx, alert)
}

func (a *Alerter) EmitOrder(ctx context.Context, kind domain.AlertKind, orderID, detail string, extra map[string]string) {
	a.send(ctx, domain.Alert{
		Kind:      kind,
		OrderID:   orderID,
		Detail:    detail,
		Context:   extra,
		Timestamp: a.now(),
	})
}

func (a *Alerter) send(ctx context.Context, alert domain.Alert) {
	if a == nil || a.gateway == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	err := a.gateway.Send(sendCtx, alert)
	a.metrics.Alert(string(alert.Kind), err == nil)
	if err != nil {
		a.log.Error().Err(err).
			Str("kind", string(alert.Kind)).
			Str("order_id", alert.OrderID).
			Msg("alert delivery failed")
	}
}
