package fetch

import (
	"net/http"
	"net/url"
	"time"

	"github.com/hermesosint/hermes/internal/domain"
)

// Error tags carried in Result.Error.
const (
	TagUnsafeURL       = "Unsafe URL blocked"
	TagTooManyRedirect = "Too many redirects"
	TagTooLarge        = "Response too large"
	TagRateLimited     = "Rate limit exceeded"
	TagUnknown         = "Unknown error"
)

// Request describes one logical HTTP request. Zero values take the
// pipeline defaults.
type Request struct {
	URL      string
	Method   string // Default: GET
	Headers  http.Header
	Query    url.Values // Merged into the URL's query string.
	Body     []byte
	JSONBody any // Marshaled with Content-Type: application/json. Wins over Body.

	Retries int           // Total attempts. Default from config.
	Delay   time.Duration // Backoff base between attempts. Default from config.
	NoProxy bool          // Send directly even when the pool has proxies.
	RateKey string        // Durable limiter resource consulted before any I/O.
}

// Result is the only channel for fetch outcomes. Status 0 means the request
// was blocked or never produced a usable response.
type Result struct {
	Status    int              `json:"status"`
	Text      string           `json:"text"`
	Headers   http.Header      `json:"headers,omitempty"`
	URL       string           `json:"url,omitempty"`
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	Kind      domain.ErrorKind `json:"kind,omitempty"`
	ProxyUsed bool             `json:"proxy_used"`
	Attempts  int              `json:"attempts"`
}

func failure(tag string, kind domain.ErrorKind) Result {
	return Result{Error: tag, Kind: kind}
}
