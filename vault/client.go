package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// CustodyClient is the HTTP client of the custody service that watches the chain and
// signs transfers out of the platform wallet.
type CustodyClient struct {
	baseURL        string
	token          string
	custodyAddress string
	timeout        time.Duration
	client         *fasthttp.Client
	log            zerolog.Logger
}

func NewCustodyClient(baseURL, token, custodyAddress string, timeout time.Duration, log zerolog.Logger) *CustodyClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CustodyClient{
		baseURL:        baseURL,
		token:          token,
		custodyAddress: custodyAddress,
		timeout:        timeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     50,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		log: log.With().Str("component", "custody_client").Logger(),
	}
}

type validateRequest struct {
	TxHash    string `json:"tx_hash"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type payoutRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Recipient      string `json:"recipient"`
	Amount         string `json:"amount"`
}

type payoutResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func (c *CustodyClient) ValidateDeposit(ctx context.Context, check DepositCheck) (bool, error) {
	body := validateRequest{
		TxHash:    check.TxHash,
		Sender:    check.Sender,
		Recipient: c.custodyAddress,
		Amount:    strconv.FormatInt(check.Amount, 10),
		Reference: check.Reference,
	}

	status, raw, err := c.post(ctx, "/v1/deposits/validate", body)
	if err != nil {
		return false, fmt.Errorf("validate deposit %s: %w", check.TxHash, err)
	}

	switch {
	case status == fasthttp.StatusNotFound:
		c.log.Warn().Str("tx_hash", check.TxHash).Msg("deposit transaction not found")
		return false, nil
	case status != fasthttp.StatusOK:
		return false, fmt.Errorf("validate deposit %s: custody returned %d", check.TxHash, status)
	}

	var out validateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("decode validate response: %w", err)
	}
	if !out.Valid {
		c.log.Warn().
			Str("tx_hash", check.TxHash).
			Str("sender", check.Sender).
			Int64("amount", check.Amount).
			Str("reason", out.Reason).
			Msg("deposit rejected by custody")
	}
	return out.Valid, nil
}

func (c *CustodyClient) Payout(ctx context.Context, t Transfer) (string, error) {
	body := payoutRequest{
		IdempotencyKey: t.Key,
		Recipient:      t.Recipient,
		Amount:         strconv.FormatInt(t.Amount, 10),
	}

	status, raw, err := c.post(ctx, "/v1/payouts", body)
	if err != nil {
		return "", &TransferError{Reason: "transport", Err: err}
	}

	var out payoutResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case status == fasthttp.StatusOK && out.Signature != "":
		return out.Signature, nil
	case status == fasthttp.StatusOK:
		return "", &TransferError{Reason: "custody confirmed without a signature"}
	case status >= 400 && status < 500:
		return "", &TransferError{Definitive: true, Reason: fmt.Sprintf("rejected (%d): %s", status, out.Error)}
	default:
		return "", &TransferError{Reason: fmt.Sprintf("custody returned %d", status)}
	}
}

func (c *CustodyClient) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(data)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}

	// resp is released on return, copy the body out
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}
