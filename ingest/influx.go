package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
	"github.com/European-XFEL/Karabo-sub011/pkg/security"
	"github.com/European-XFEL/Karabo-sub011/pkg/tlsutil"
)

// StatusTransport is the status reported for a write that failed before
// an HTTP response arrived.
const StatusTransport = 599

// InfluxConfig configures the InfluxDB client.
type InfluxConfig struct {
	URL      string        `json:"url"`
	Database string        `json:"database"`
	User     string        `json:"user,omitempty"`
	Password string        `json:"password,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// RetryCodes are the statuses a write is retried on.
	RetryCodes []int `json:"retry_codes,omitempty"`
	// Retry shapes the backoff between write attempts.
	Retry retry.Config `json:"-"`

	TLS security.ClientTLSConfig `json:"tls,omitempty"`
}

// Validate checks the client configuration.
func (c InfluxConfig) Validate() error {
	if c.URL == "" {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "InfluxConfig", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return kerrors.WrapInvalid(err, "InfluxConfig", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "InfluxConfig", "Validate",
			"url scheme must be http or https")
	}
	if c.Database == "" {
		return kerrors.WrapInvalid(kerrors.ErrInvalidConfig, "InfluxConfig", "Validate", "database is required")
	}
	return nil
}

// StatusError is a non-2xx reply of the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("influx replied %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Client talks to one InfluxDB database over its 1.x HTTP API.
type Client struct {
	base       *url.URL
	db         string
	user       string
	password   string
	httpClient *http.Client
	retryCodes map[int]bool
	retry      retry.Config
}

// NewClient creates a client. TLS settings apply to https URLs.
func NewClient(cfg InfluxConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 40 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if base.Scheme == "https" {
		tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
		if err != nil {
			return nil, kerrors.WrapFatal(err, "Client", "NewClient", "load TLS config")
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	codes := cfg.RetryCodes
	if len(codes) == 0 {
		codes = []int{http.StatusServiceUnavailable, StatusTransport}
	}
	rc := map[int]bool{}
	for _, c := range codes {
		rc[c] = true
	}
	rcfg := cfg.Retry
	if rcfg.InitialDelay <= 0 {
		rcfg.InitialDelay = 250 * time.Millisecond
	}
	return &Client{
		base:       base,
		db:         cfg.Database,
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: httpClient,
		retryCodes: rc,
		retry:      rcfg,
	}, nil
}

// Database returns the database name.
func (c *Client) Database() string { return c.db }

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), rd)
	if err != nil {
		return nil, kerrors.WrapFatal(err, "Client", "do", "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &StatusError{Code: StatusTransport, Body: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StatusError{Code: StatusTransport, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, "ping", nil, nil); err != nil {
		return kerrors.WrapTransient(err, "Client", "Ping", "ping "+c.base.Host)
	}
	return nil
}

func (c *Client) write(ctx context.Context, body []byte) error {
	q := url.Values{"db": {c.db}, "precision": {"u"}}
	_, err := c.do(ctx, http.MethodPost, "write", q, body)
	return err
}

// Write sends lines, retrying the configured statuses with backoff until
// timeout elapses. It returns the number of retries.
func (c *Client) Write(ctx context.Context, lines []string, timeout time.Duration) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	body := []byte(FormatBody(lines))
	retries, err := retry.Until(ctx, c.retry, timeout, func() error {
		err := c.write(ctx, body)
		var se *StatusError
		if err != nil && errors.As(err, &se) && !c.retryCodes[se.Code] {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return retries, kerrors.Newf(kerrors.KindWrite,
			"Error writing line protocol after %d retries: %v", retries, err).WithCause(err)
	}
	return retries, nil
}

// Series is one series of a query result. With epoch=u the time column
// holds microseconds.
type Series struct {
	Name    string         `json:"name"`
	Tags    map[string]any `json:"tags,omitempty"`
	Columns []string       `json:"columns"`
	Raw     [][]any        `json:"values"`
}

type queryResponse struct {
	Results []struct {
		Series []Series `json:"series"`
		Error  string   `json:"error"`
	} `json:"results"`
	Error string `json:"error"`
}

// Query runs an InfluxQL statement and returns the series of its first
// result.
func (c *Client) Query(ctx context.Context, q string) ([]Series, error) {
	data, err := c.do(ctx, http.MethodGet, "query", url.Values{"q": {q}, "db": {c.db}, "epoch": {"u"}}, nil)
	if err != nil {
		return nil, kerrors.WrapTransient(err, "Client", "Query", q)
	}
	var resp queryResponse
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, kerrors.WrapInvalid(err, "Client", "Query", "decode reply")
	}
	if resp.Error != "" {
		return nil, kerrors.New(kerrors.KindValidation, resp.Error)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	if msg := resp.Results[0].Error; msg != "" {
		return nil, kerrors.New(kerrors.KindValidation, msg)
	}
	return resp.Results[0].Series, nil
}

// CreateDatabase creates the client's database if missing.
func (c *Client) CreateDatabase(ctx context.Context) error {
	q := url.Values{"q": {fmt.Sprintf("CREATE DATABASE %q", c.db)}}
	if _, err := c.do(ctx, http.MethodPost, "query", q, nil); err != nil {
		return kerrors.WrapTransient(err, "Client", "CreateDatabase", c.db)
	}
	return nil
}

func fieldRegex(field string) string {
	return "/^" + strings.ReplaceAll(regexp.QuoteMeta(field), "/", `\/`) + "$/"
}

// FieldHas counts the points of measurement carrying field, restricted by
// an optional InfluxQL condition.
func (c *Client) FieldHas(ctx context.Context, measurement, field, where string) (int64, error) {
	q := fmt.Sprintf("SELECT COUNT(%s) FROM %q", fieldRegex(field), measurement)
	if where != "" {
		q += " WHERE " + where
	}
	series, err := c.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range series {
		for _, row := range s.Raw {
			for _, v := range row[1:] {
				if n, ok := v.(json.Number); ok {
					i, _ := n.Int64()
					total += i
				}
			}
		}
	}
	return total, nil
}

// Sample is a single stored value with its time in microseconds.
type Sample struct {
	Time  int64
	Value any
}

// LastValue returns the newest value of field in measurement. Integers come
// back as json.Number.
func (c *Client) LastValue(ctx context.Context, measurement, field string) (Sample, error) {
	q := fmt.Sprintf("SELECT %s FROM %q ORDER BY time DESC LIMIT 1", fieldRegex(field), measurement)
	series, err := c.Query(ctx, q)
	if err != nil {
		return Sample{}, err
	}
	if len(series) == 0 || len(series[0].Raw) == 0 || len(series[0].Raw[0]) < 2 {
		return Sample{}, kerrors.Newf(kerrors.KindNotFound, "No value of %s in %s", field, measurement)
	}
	row := series[0].Raw[0]
	var ts int64
	if n, ok := row[0].(json.Number); ok {
		ts, _ = n.Int64()
	}
	return Sample{Time: ts, Value: row[1]}, nil
}

// DigestExists reports whether a schema with digest is stored for
// measurement.
func (c *Client) DigestExists(ctx context.Context, measurement, digest string) (bool, error) {
	n, err := c.FieldHas(ctx, measurement+"__SCHEMAS", "schema_size",
		fmt.Sprintf(`"digest" = '%s'`, quote(digest)))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
