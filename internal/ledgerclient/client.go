// Package ledgerclient calls the account ledger's HTTP API on behalf of the session service.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "cafeledger/ledgerclient"
	maxErrorBody        = 4 << 10
)

// Client implements billing.AccountLedger over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
}

// New returns a Client for the ledger at baseURL. Each call is bounded by timeout on top of
// the caller's context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: ledger url %q must be absolute", billing.ErrInvalidConfig, baseURL)
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

type chargeBody struct {
	AccountID string          `json:"accountId"`
	SessionID int64           `json:"sessionId"`
	Amount    decimal.Decimal `json:"amount"`
}

type chargeData struct {
	Transaction struct {
		TransactionID string `json:"transactionId"`
	} `json:"transaction"`
	Replayed bool `json:"replayed"`
}

type balanceData struct {
	Balance decimal.Decimal `json:"balance"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Charge debits the session's cost. The ledger keys the debit by session id, so repeating a
// call after a lost response is safe.
func (client *Client) Charge(ctx context.Context, request billing.ChargeRequest) (billing.ChargeReceipt, error) {
	ctx, span := client.tracer.Start(ctx, "ledger.Charge", trace.WithAttributes(
		attribute.Int64("session.id", request.SessionID),
		attribute.String("user.id", request.UserID),
	))
	defer span.End()

	var data chargeData
	err := client.do(ctx, http.MethodPost, "/accounts/charge", chargeBody{
		AccountID: request.UserID,
		SessionID: request.SessionID,
		Amount:    request.Amount.Round(2),
	}, &data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "charge failed")
		return billing.ChargeReceipt{}, err
	}
	span.SetAttributes(attribute.Bool("ledger.replayed", data.Replayed))
	return billing.ChargeReceipt{TransactionID: data.Transaction.TransactionID, Replayed: data.Replayed}, nil
}

// GetBalance reads the user's current balance.
func (client *Client) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	ctx, span := client.tracer.Start(ctx, "ledger.GetBalance", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var data balanceData
	if err := client.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(userID)+"/balance", nil, &data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "balance failed")
		return decimal.Zero, err
	}
	return data.Balance, nil
}

func (client *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode ledger request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL.String()+path, payload)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", billing.ErrUpstreamUnavailable, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s returned %d", billing.ErrUpstreamUnavailable, method, path, response.StatusCode)
	}

	var decoded envelope
	if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: decode ledger response: %v", billing.ErrUpstreamUnavailable, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		rejection := &billing.RejectionError{StatusCode: response.StatusCode}
		if decoded.Error != nil {
			rejection.Code = decoded.Error.Code
			rejection.Message = decoded.Error.Message
		}
		return rejection
	}
	if out == nil || len(decoded.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("%w: decode ledger data: %v", billing.ErrUpstreamUnavailable, err)
	}
	return nil
}
