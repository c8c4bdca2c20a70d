package duration

import (
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	probeHTTPTimeout      = 15 * time.Second
	dialTimeout           = 5 * time.Second
	keepAliveInterval     = 30 * time.Second
	tlsHandshakeTimeout   = 5 * time.Second
	responseHeaderTimeout = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	idleConnTimeout       = 90 * time.Second
)

var probeTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAliveInterval,
	}).DialContext,
	TLSHandshakeTimeout:   tlsHandshakeTimeout,
	ResponseHeaderTimeout: responseHeaderTimeout,
	ExpectContinueTimeout: expectContinueTimeout,
	IdleConnTimeout:       idleConnTimeout,
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   probeHTTPTimeout,
		Transport: probeTransport,
	}
}

// newRetryableHTTPClient builds the probe client. Retries stay silent
// and reuse the tuned transport.
func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.Logger = nil
	retryClient.HTTPClient = newHTTPClient()

	return retryClient.StandardClient()
}
