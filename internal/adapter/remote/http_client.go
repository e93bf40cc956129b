package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

var _ port.OrderService = (*HTTPOrderService)(nil)

const (
	opConfirm = "confirm_stock_update"
	opStatus  = "is_stock_updated"
	opRevert  = "revert_stock_update"
)

// HTTPOrderService talks to the marketplace order API:
//
//	POST   {base}/orders/{id}/stock-update   mark stock updated
//	GET    {base}/orders/{id}/stock-update   {"stock_updated": bool}
//	DELETE {base}/orders/{id}/stock-update   revert the flag
type HTTPOrderService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPOrderService(baseURL, apiKey string, timeout time.Duration) *HTTPOrderService {
	return &HTTPOrderService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type stockStatusResponse struct {
	StockUpdated bool `json:"stock_updated"`
}

func (s *HTTPOrderService) ConfirmStockUpdate(ctx context.Context, orderID string) error {
	_, err := s.do(ctx, opConfirm, http.MethodPost, orderID)
	return err
}

func (s *HTTPOrderService) IsStockUpdated(ctx context.Context, orderID string) (bool, error) {
	body, err := s.do(ctx, opStatus, http.MethodGet, orderID)
	if err != nil {
		return false, err
	}
	var resp stockStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, domain.NewPermanentSyncError(opStatus, http.StatusOK, fmt.Errorf("decode response: %w", err))
	}
	return resp.StockUpdated, nil
}

func (s *HTTPOrderService) RevertStockUpdate(ctx context.Context, orderID string) error {
	_, err := s.do(ctx, opRevert, http.MethodDelete, orderID)
	return err
}

func (s *HTTPOrderService) do(ctx context.Context, op, method, orderID string) ([]byte, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.NewPermanentSyncError(op, 0, errors.New("malformed order reference"))
	}

	endpoint := fmt.Sprintf("%s/orders/%s/stock-update", s.baseURL, url.PathEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, domain.NewPermanentSyncError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts, refused connections and cancelled contexts are all worth retrying.
		return nil, domain.NewTransientSyncError(op, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewTransientSyncError(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(op, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return domain.NewTransientSyncError(op, status, errors.New(snippet(body)))
	case status == http.StatusNotFound:
		return domain.NewPermanentSyncError(op, status, errors.New("order not found"))
	default:
		return domain.NewPermanentSyncError(op, status, errors.New(snippet(body)))
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
