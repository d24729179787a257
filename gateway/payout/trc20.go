package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TRC20Client submits transfers to an external TRC-20 settlement service.
type TRC20Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func NewTRC20Client(base, apiKey string, hc *http.Client) *TRC20Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &TRC20Client{base: strings.TrimRight(base, "/"), apiKey: apiKey, http: hc}
}

type transferRequest struct {
	Reference  string `json:"reference"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	ToAddress  string `json:"to_address"`
	MerchantID string `json:"merchant_id,omitempty"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *TRC20Client) Submit(ctx context.Context, ins Instruction) (*Submission, error) {
	body, err := json.Marshal(transferRequest{
		Reference:  ins.Ref,
		Asset:      string(ins.Asset),
		Amount:     ins.Amount.StringFixed(6),
		ToAddress:  ins.Wallet,
		MerchantID: ins.MerchantID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/transfers", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Transient: true, Msg: err.Error()}
	}
	defer resp.Body.Close()

	// The reference was already accepted: resolve through status instead of
	// moving funds twice.
	if resp.StatusCode == http.StatusConflict {
		conf, err := c.Status(ctx, ins.Ref)
		if err != nil {
			return nil, err
		}
		return &Submission{Ref: conf.Ref, Status: conf.Status, Hash: conf.Hash}, nil
	}
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding transfer response: %w", err)
	}
	status, err := parseStatus(tr.Status)
	if err != nil {
		return nil, err
	}
	return &Submission{Ref: tr.Reference, Status: status, Hash: tr.TxHash}, nil
}

func (c *TRC20Client) Status(ctx context.Context, ref string) (*Confirmation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/transfers/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Transient: true, Msg: err.Error()}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	status, err := parseStatus(tr.Status)
	if err != nil {
		return nil, err
	}
	return &Confirmation{Ref: tr.Reference, Status: status, Hash: tr.TxHash, Reason: tr.Reason}, nil
}

func (c *TRC20Client) Reverse(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/transfers/"+ref, nil)
	if err != nil {
		return fmt.Errorf("building reverse request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Transient: true, Msg: err.Error()}
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// classifyStatus maps non-2xx responses to provider errors: 429 and 5xx are
// transient, everything else is permanent.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5
	return &ProviderError{Transient: transient, StatusCode: resp.StatusCode, Msg: msg}
}

func parseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(s)) {
	case StatusPending:
		return StatusPending, nil
	case StatusConfirmed:
		return StatusConfirmed, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusReversed:
		return StatusReversed, nil
	}
	return "", fmt.Errorf("unknown provider status %q", s)
}

var _ Provider = (*TRC20Client)(nil)
