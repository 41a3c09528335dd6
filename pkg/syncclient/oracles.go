package syncclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// StaticCredentials is a credential oracle backed by a fixed token. An empty
// token means no credentials.
type StaticCredentials struct {
	Token string
}

func (s StaticCredentials) Credentials(context.Context) (string, bool) {
	return s.Token, s.Token != ""
}

// AlwaysOnline is the network oracle for environments without an OS-level
// connectivity signal.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// ServerProbe checks the sync backend's health endpoint.
type ServerProbe struct {
	client *http.Client
	target string
}

// NewServerProbe derives the health URL from the websocket server URL.
func NewServerProbe(settings Settings) (*ServerProbe, error) {
	u, err := url.Parse(settings.ServerURL)
	if err != nil {
		return nil, errors.Wrap(err, "syncclient: parse server url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return &ServerProbe{
		client: &http.Client{Timeout: 5 * time.Second},
		target: u.String(),
	}, nil
}

func (p *ServerProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return errors.Wrap(err, "syncclient: build probe request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "syncclient: probe")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("syncclient: probe status %s", strings.TrimSpace(resp.Status))
	}
	return nil
}
