package ratelimit

import "net/http"

// Transport gates every round trip on the limiter for the request's origin.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Acquire(req.Context(), req.URL.String()); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewClient returns an HTTP client whose requests all pass through limiter.
// The client carries no overall timeout; callers bound requests by context.
func NewClient(limiter *Limiter, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Limiter: limiter, Base: base}}
}
