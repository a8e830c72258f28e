// Package delivery posts rendered reports and cleaned artifacts to holder
// webhooks.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"keygate/internal/logger"
	"keygate/internal/metrics"
	"keygate/internal/validation"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 15 * time.Second

// ErrDeliveryFailed is wrapped by every *DeliveryError.
var ErrDeliveryFailed = errors.New("delivery failed")

var errPrivateTarget = errors.New("webhook target resolves to a private or reserved address")

// DeliveryError carries the HTTP status of a rejected delivery, or the
// transport error when no response arrived.
type DeliveryError struct {
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook request failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook returned status %d", e.Status)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDeliveryFailed, e.Err}
	}
	return []error{ErrDeliveryFailed}
}

// Delivery is one report and artifact bound for a webhook.
type Delivery struct {
	URL      string
	Message  string
	Filename string
	Artifact []byte
}

// Result is the outcome of one attempt.
type Result struct {
	Target   string
	Status   int
	Duration time.Duration
	Err      error
}

// OK reports whether the webhook accepted the delivery.
func (r *Result) OK() bool {
	return r != nil && r.Err == nil
}

// Config configures a Dispatcher.
type Config struct {
	Timeout time.Duration
	// AllowPrivateTargets disables the private address guard.
	AllowPrivateTargets bool
	UserAgent           string
}

// Dispatcher sends deliveries, one attempt each.
type Dispatcher struct {
	client       *http.Client
	timeout      time.Duration
	allowPrivate bool
	userAgent    string
	log          logger.Logger
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg Config, log logger.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "keygate-delivery/1.0"
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !cfg.AllowPrivateTargets {
		// Checked at connect time so a hostname cannot be re-pointed
		// between validation and the request.
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if validation.IsPrivateIP(net.ParseIP(host)) {
				return errPrivateTarget
			}
			return nil
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &Dispatcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		timeout:      cfg.Timeout,
		allowPrivate: cfg.AllowPrivateTargets,
		userAgent:    cfg.UserAgent,
		log:          log,
	}
}

// Send performs a single multipart POST carrying the artifact as "file" and
// the report as "message". An empty URL skips delivery and returns a nil
// Result.
func (d *Dispatcher) Send(ctx context.Context, del Delivery) (*Result, error) {
	if del.URL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res := &Result{Target: redact(del.URL)}
	status, err := d.post(ctx, del)
	res.Status = status
	res.Duration = time.Since(start)
	res.Err = err
	metrics.RecordDelivery(err == nil, res.Duration)

	if err != nil {
		d.log.Warn("Webhook delivery failed",
			logger.String("target", res.Target),
			logger.Int("status", status),
			logger.Duration("duration", res.Duration),
			logger.Error(err),
		)
		return res, err
	}

	d.log.Info("Webhook delivery succeeded",
		logger.String("target", res.Target),
		logger.Int("status", status),
		logger.Duration("duration", res.Duration),
	)
	return res, nil
}

// Dispatch runs Send in the background and reports on the returned channel,
// which receives exactly one Result and is then closed. The attempt is
// bounded by the dispatcher timeout, not by ctx cancellation, so a caller
// that stops waiting does not abort a request already on the wire.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		res, err := d.Send(context.WithoutCancel(ctx), del)
		if res == nil {
			res = &Result{Err: err}
		}
		ch <- *res
	}()
	return ch
}

func (d *Dispatcher) post(ctx context.Context, del Delivery) (int, error) {
	if valid, msg := validation.ValidateURL(del.URL); !valid {
		return 0, &DeliveryError{Err: errors.New(msg)}
	}
	if !d.allowPrivate {
		if valid, msg := validation.ValidateWebhookTarget(del.URL); !valid {
			return 0, &DeliveryError{Err: errors.New(msg)}
		}
	}

	body, contentType, err := encode(del)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, body)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DeliveryError{Status: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func encode(del Delivery) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", del.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(del.Artifact); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("message", del.Message); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// redact drops credentials, path and query from a target for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}
