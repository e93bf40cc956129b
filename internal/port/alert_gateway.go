package port

import (
	"context"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

type AlertGateway interface {
	Send(ctx context.Context, alert domain.Alert) error
}
