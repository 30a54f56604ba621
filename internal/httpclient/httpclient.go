// Package httpclient implements the agent's single outbound HTTP surface:
// synchronous and cooperative requests against the manager, plus a
// long-poll helper used by the command channel. It is instrumented with
// OpenTelemetry (via otelhttp) so every manager call produces a span,
// grounded on the tracing setup in internal/tracing.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Will-Luck/Docker-Sentinel/internal/backoff"
)

// VerifyMode selects how deep TLS peer verification goes.
type VerifyMode string

const (
	// VerifyCertificate validates the certificate chain only; hostname is
	// not checked (useful when the manager is addressed by IP).
	VerifyCertificate VerifyMode = "certificate"
	// VerifyFull validates the chain and the hostname per RFC 2818 — the
	// Go standard library's default behavior.
	VerifyFull VerifyMode = "full"
)

// Kind classifies a Client error for caller-side retry/terminal decisions.
type Kind int

const (
	KindBadRequest Kind = iota
	KindNetworkTransient
	KindNetworkPermanent
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNetworkTransient:
		return "network_transient"
	case KindNetworkPermanent:
		return "network_permanent"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Client operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("httpclient: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("httpclient: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, regardless of Op/Err, so callers
// can write errors.Is(err, httpclient.ErrUnauthorized).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrNetworkTransient = &Error{Kind: KindNetworkTransient}
	ErrNetworkPermanent = &Error{Kind: KindNetworkPermanent}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
)

// Params describes one outbound request.
type Params struct {
	Method string
	Host   string
	Port   string
	Scheme string // defaults to "https" when empty
	Path   string

	BearerToken string
	BasicUser   string
	BasicPass   string

	Body json.RawMessage

	Verify VerifyMode // not read by Client; TLS verification is fixed per Client by New
}

func (p Params) url() (*url.URL, error) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := p.Host
	if p.Port != "" {
		host = net.JoinHostPort(p.Host, p.Port)
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: p.Path}
	parsed, err := url.Parse(u.String())
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid request url")
	}
	return parsed, nil
}

// Response is the result of a completed request.
type Response struct {
	Status int
	Body   []byte
}

// Client issues requests against a single manager endpoint. The underlying
// *http.Client and its transport are reused across calls; the TLS
// verification mode is fixed per Client since it reflects a deployment-wide
// trust policy, not a per-call choice.
type Client struct {
	verify Verify
	http   *http.Client
}

// Verify bundles the TLS behavior a Client is constructed with.
type Verify struct {
	Mode VerifyMode
}

// New builds a Client. mode controls certificate validation depth for every
// request this client issues.
func New(mode VerifyMode) *Client {
	if mode == "" {
		mode = VerifyFull
	}

	tlsConfig := &tls.Config{}
	if mode == VerifyCertificate {
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = verifyChainOnly
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}
	instrumented := otelhttp.NewTransport(transport)

	return &Client{
		verify: Verify{Mode: mode},
		http:   &http.Client{Transport: instrumented, Timeout: 30 * time.Second},
	}
}

// verifyChainOnly implements certificate-mode verification: the chain is
// checked against the system pool, but the server name (hostname) is never
// compared, since tls.Config.InsecureSkipVerify disables Go's own check.
func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("no certificate presented")
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		certs[i] = cert
	}
	pool := x509.NewCertPool()
	for _, c := range certs[1:] {
		pool.AddCert(c)
	}
	opts := x509.VerifyOptions{Intermediates: pool}
	_, err := certs[0].Verify(opts)
	return err
}

// Request issues a synchronous call, used by registration which has no
// caller-provided context to cooperate against.
func (c *Client) Request(params Params) (Response, error) {
	return c.CoRequest(context.Background(), params)
}

// CoRequest issues one request, classifying the outcome into a *Error kind
// on failure so callers can decide whether to retry.
func (c *Client) CoRequest(ctx context.Context, params Params) (Response, error) {
	u, err := params.url()
	if err != nil {
		return Response{}, &Error{Kind: KindBadRequest, Op: "request", Err: err}
	}

	var bodyReader io.Reader
	if len(params.Body) > 0 {
		bodyReader = bytes.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, params.Method, u.String(), bodyReader)
	if err != nil {
		return Response{}, &Error{Kind: KindBadRequest, Op: "request", Err: err}
	}
	if len(params.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if params.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+params.BearerToken)
	} else if params.BasicUser != "" {
		req.SetBasicAuth(params.BasicUser, params.BasicPass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, &Error{Kind: KindNetworkTransient, Op: "request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{Kind: KindNetworkTransient, Op: "request", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return Response{Status: resp.StatusCode, Body: body}, &Error{Kind: KindUnauthorized, Op: "request"}
	}
	if resp.StatusCode >= 500 {
		return Response{Status: resp.StatusCode, Body: body}, &Error{Kind: KindNetworkTransient, Op: "request", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Response{Status: resp.StatusCode, Body: body}, &Error{Kind: KindNetworkPermanent, Op: "request", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	return Response{Status: resp.StatusCode, Body: body}, nil
}

// LongPollOptions configures CoLongPoll's outer loop.
type LongPollOptions struct {
	BatchSize      int
	RetryInterval  time.Duration
	ShouldContinue func() bool
	OnBatch        func(Response) error
	OnUnauthorized func()
}

const longPollBackoffCap = 5 * time.Minute

// CoLongPoll repeatedly issues params until ShouldContinue returns false. On
// success it invokes OnBatch with the response body and resets the retry
// backoff. On 401 it invokes OnUnauthorized and returns. On any other
// transport failure it sleeps with exponential backoff (capped at 5
// minutes) and retries.
func (c *Client) CoLongPoll(ctx context.Context, params Params, opts LongPollOptions) error {
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	bo := backoff.New(backoff.Policy{Initial: retryInterval, Max: longPollBackoffCap})

	if opts.BatchSize > 0 {
		if params.Body == nil {
			params.Body = json.RawMessage(fmt.Appendf(nil, `{"batch_size":%s}`, strconv.Itoa(opts.BatchSize)))
		}
	}

	for opts.ShouldContinue == nil || opts.ShouldContinue() {
		resp, err := c.CoRequest(ctx, params)
		if err != nil {
			var httpErr *Error
			if errors.As(err, &httpErr) && httpErr.Kind == KindUnauthorized {
				if opts.OnUnauthorized != nil {
					opts.OnUnauthorized()
				}
				return nil
			}

			delay := bo.Next()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		bo.Reset()
		if opts.OnBatch != nil {
			if err := opts.OnBatch(resp); err != nil {
				return err
			}
		}
	}
	return nil
}
