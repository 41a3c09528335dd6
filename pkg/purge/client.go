package purge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/dono-app/dono/pkg/syncd"
)

// Client is the HTTP RemotePurger talking to the sync backend's purge RPC.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient builds a purge client. baseURL accepts the websocket form used
// by the sync client and rewrites it to HTTP.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "purge: parse base url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    u.String(),
		token:      token,
	}, nil
}

var _ RemotePurger = &Client{}

func (c *Client) PurgeStore(ctx context.Context, storeID string) error {
	target := c.baseURL + "/purge?storeId=" + url.QueryEscape(storeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return errors.Wrap(err, "purge: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "purge: request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("purge: backend status %d", resp.StatusCode)
	}
	var pr syncd.PurgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return errors.Wrap(err, "purge: decode response")
	}
	if !pr.OK {
		return errors.New("purge: backend refused")
	}
	return nil
}
