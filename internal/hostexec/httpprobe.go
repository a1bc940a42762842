// SPDX-License-Identifier: AGPL-3.0-or-later
package hostexec

import (
	"context"
	"net/http"
	"time"
)

// HTTPProber checks endpoint reachability for http_check specs.
type HTTPProber interface {
	// Probe issues a GET and returns the status code.
	Probe(ctx context.Context, url string, timeout time.Duration) (int, error)
}

// Prober is the real HTTP prober.
type Prober struct {
	client *http.Client
}

// NewProber returns a prober with its own client (no shared cookie jar,
// no redirects followed beyond the default).
func NewProber() *Prober {
	return &Prober{client: &http.Client{}}
}

func (p *Prober) Probe(ctx context.Context, url string, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
