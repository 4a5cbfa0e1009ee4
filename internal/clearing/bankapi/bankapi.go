// Package bankapi wraps the correspondent bank's balance-inquiry API, the
// collaborator Tier 2 of the funding reconciler polls on a fixed
// interval. Like hsm.Init, a single entry point builds either a mock
// client for local development and tests or a real HTTP client from
// configuration; callers depend only on the Client interface.
package bankapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"settlerail/internal/clearing/money"
	"settlerail/pkg/config"
	clearingerrors "settlerail/pkg/errors"
)

// Client fetches a participant's bank-reported balance. Implementations
// must be safe for concurrent use by the tier-2 poller.
type Client interface {
	FetchBalance(ctx context.Context, participant string) (money.Amount, error)
}

// Init builds a Client from configuration. Endpoint == "" selects the
// mock client (the default for local development and tests); otherwise an
// HTTP client is built against endpoint.
func Init(cfg config.ClearingConfig, endpoint string) Client {
	if endpoint == "" {
		return &mockClient{}
	}
	return &httpClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: cfg.BankAPITimeout},
	}
}

// mockClient reports a zero balance for every participant. Good enough for
// a pipeline wired up with no live bank connection; the threshold policy
// still runs, it just never finds a gap.
type mockClient struct{}

func (m *mockClient) FetchBalance(ctx context.Context, participant string) (money.Amount, error) {
	ccy, err := money.LookupCurrency("USD")
	if err != nil {
		return money.Amount{}, err
	}
	return money.Zero(ccy), nil
}

type httpClient struct {
	endpoint string
	http     *http.Client
}

type balanceResponse struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (h *httpClient) FetchBalance(ctx context.Context, participant string) (money.Amount, error) {
	url := fmt.Sprintf("%s/accounts/%s/balance", h.endpoint, participant)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return money.Amount{}, clearingerrors.Wrap(clearingerrors.ErrInternal, "building bank-api request: "+err.Error())
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return money.Amount{}, clearingerrors.Wrap(clearingerrors.ErrTimeout, "calling bank-api: "+err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return money.Amount{}, clearingerrors.Wrap(clearingerrors.ErrInternal, fmt.Sprintf("bank-api returned %d for %s", resp.StatusCode, participant))
	}
	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return money.Amount{}, clearingerrors.Wrap(clearingerrors.ErrInternal, "decoding bank-api response: "+err.Error())
	}
	return money.ParseAmount(body.Value, body.Currency)
}
