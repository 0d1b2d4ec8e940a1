package registry

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/valyala/fastjson"

	"certgate/internal/domain"
	applog "certgate/internal/log"
	"certgate/internal/metrics"
)

// Verifier decides whether a certificate identifier is currently valid.
// Any failure, including an unreachable registry, is reported as
// (nil, false).
type Verifier interface {
	Verify(ctx context.Context, certificateID string) (*domain.Date, bool)
}

var (
	ErrUnavailable = errors.New("registry unavailable")
	ErrMalformed   = errors.New("registry response malformed")
)

const maxBody = 4 << 20

var (
	noncePatterns = []*regexp.Regexp{
		regexp.MustCompile(`"wdtNonce"\s*:\s*"([A-Za-z0-9]+)"`),
		regexp.MustCompile(`id="wdtNonce[^"]*"[^>]*value="([A-Za-z0-9]+)"`),
		regexp.MustCompile(`data-nonce="([A-Za-z0-9]+)"`),
	}
	reTag       = regexp.MustCompile(`<[^>]*>`)
	dateLayouts = []string{"2006-01-02", "02.01.2006", "02/01/2006"}
)

type Options struct {
	BaseURL   string
	NoncePath string
	QueryPath string
	Action    string
	TableID   string
	Timeout   time.Duration

	SubjectColumn    int
	ValidFromColumn  int
	ValidUntilColumn int

	BreakerFailures uint32
	BreakerCooldown time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

// Entry is the first result row of a registry query.
type Entry struct {
	Rows       int
	Subject    string
	ValidFrom  *domain.Date
	ValidUntil *domain.Date
}

// Client scrapes the public certificate database: a nonce fetch followed by
// a filtered table query.
type Client struct {
	opts    Options
	http    *http.Client
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker
	parsers fastjson.ParserPool
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	c := &Client{opts: opts, http: opts.HTTPClient, now: opts.Now}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "registry",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			applog.Info(nil, "registry.breaker.state", map[string]any{"from": from.String(), "to": to.String()})
		},
	})
	return c
}

// Verify runs Lookup under the configured deadline and applies the validity
// rules. Errors are logged and collapse to (nil, false).
func (c *Client) Verify(ctx context.Context, certificateID string) (*domain.Date, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.breaker.Execute(func() (any, error) { return c.Lookup(ctx, certificateID) })
	metrics.RegistryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.RegistryVerifications.WithLabelValues(outcome).Inc()
		applog.Error(nil, "registry.lookup.fail", err, map[string]any{"certificate_id": certificateID})
		return nil, false
	}
	e := res.(Entry)
	if e.Rows == 0 {
		metrics.RegistryVerifications.WithLabelValues("not_found").Inc()
		return nil, false
	}
	if !Valid(e, certificateID, c.now()) {
		metrics.RegistryVerifications.WithLabelValues("invalid").Inc()
		return e.ValidUntil, false
	}
	metrics.RegistryVerifications.WithLabelValues("valid").Inc()
	return e.ValidUntil, true
}

// Valid applies the acceptance rules: exactly one row, matching subject, and
// today within [validFrom, validUntil] inclusive.
func Valid(e Entry, certificateID string, now time.Time) bool {
	if e.Rows != 1 || e.Subject != certificateID || e.ValidFrom == nil || e.ValidUntil == nil {
		return false
	}
	today := domain.NewDate(now.UTC())
	return !today.Before(e.ValidFrom.Time) && !today.After(e.ValidUntil.Time)
}

// Lookup performs the two registry requests and extracts the first row.
// A query with no rows returns Entry{Rows: 0} and no error.
func (c *Client) Lookup(ctx context.Context, certificateID string) (Entry, error) {
	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return Entry{}, err
	}
	form := url.Values{}
	form.Set("action", c.opts.Action)
	form.Set("table_id", c.opts.TableID)
	form.Set("wdtNonce", nonce)
	form.Set("draw", "1")
	form.Set("start", "0")
	form.Set("length", "10")
	form.Set("search[value]", certificateID)
	form.Set("search[regex]", "false")

	body, err := c.do(ctx, http.MethodPost, c.opts.QueryPath, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return Entry{}, err
	}
	return c.parseTable(body)
}

func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.opts.NoncePath, nil, "")
	if err != nil {
		return "", err
	}
	for _, re := range noncePatterns {
		if m := re.FindSubmatch(body); m != nil {
			return string(m[1]), nil
		}
	}
	return "", fmt.Errorf("%w: nonce not found", ErrMalformed)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	resp, err := c.http.Do(req)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (c *Client) parseTable(body []byte) (Entry, error) {
	p := c.parsers.Get()
	defer c.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data := v.Get("data")
	if data == nil || data.Type() != fastjson.TypeArray {
		return Entry{}, fmt.Errorf("%w: missing data array", ErrMalformed)
	}
	rows, _ := data.Array()
	if len(rows) == 0 {
		return Entry{}, nil
	}
	first := rows[0]
	if first.Type() != fastjson.TypeArray {
		return Entry{}, fmt.Errorf("%w: row is %s", ErrMalformed, first.Type())
	}
	cells, _ := first.Array()

	subject, err := cell(cells, c.opts.SubjectColumn)
	if err != nil {
		return Entry{}, err
	}
	from, err := cell(cells, c.opts.ValidFromColumn)
	if err != nil {
		return Entry{}, err
	}
	until, err := cell(cells, c.opts.ValidUntilColumn)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Rows:       len(rows),
		Subject:    subject,
		ValidFrom:  parseDate(from),
		ValidUntil: parseDate(until),
	}, nil
}

func cell(cells []*fastjson.Value, i int) (string, error) {
	if i < 0 || i >= len(cells) {
		return "", fmt.Errorf("%w: row has %d cells, want index %d", ErrMalformed, len(cells), i)
	}
	v := cells[i]
	var s string
	switch v.Type() {
	case fastjson.TypeString:
		s = string(v.GetStringBytes())
	case fastjson.TypeNumber:
		s = v.String()
	case fastjson.TypeNull:
		return "", nil
	default:
		return "", fmt.Errorf("%w: cell %d is %s", ErrMalformed, i, v.Type())
	}
	return strings.TrimSpace(html.UnescapeString(reTag.ReplaceAllString(s, ""))), nil
}

func parseDate(s string) *domain.Date {
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := domain.NewDate(t)
			return &d
		}
	}
	return nil
}
