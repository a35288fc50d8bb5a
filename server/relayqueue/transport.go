package relayqueue

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/pkg/circuitbreaker"
	"github.com/migadu/tern/pkg/metrics"
)

// TransportError wraps a send error with its retry class. Permanent errors
// (5xx SMTP codes, HTTP 4xx) are never retried; everything else is.
type TransportError struct {
	Err       error
	Permanent bool
}

func (e *TransportError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err cannot be fixed by retrying.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	// Network errors, connection errors, etc. are temporary
	return false
}

// Transport sends one message to one forward destination. A non-empty
// endpoint names the chain entry's own destination (relay host, webhook URL)
// and overrides the transport's configured default.
type Transport interface {
	Send(endpoint, from, to string, message []byte) error
}

// SMTPTransport relays messages over outbound SMTP, protected by a circuit
// breaker. Host is the configured default relay, used for targets that do
// not carry their own relay host.
type SMTPTransport struct {
	Host           string
	UseStartTLS    bool
	TLSVerify      bool
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (t *SMTPTransport) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return t.CircuitBreaker
}

func (t *SMTPTransport) Send(endpoint, from, to string, message []byte) error {
	host := endpoint
	if host == "" {
		host = t.Host
	}
	if host == "" {
		return &TransportError{Err: fmt.Errorf("no SMTP relay host for %s", to), Permanent: true}
	}

	if t.CircuitBreaker != nil {
		err := t.CircuitBreaker.Do(func() error {
			return t.send(host, from, to, message)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			logger.Warn("Forward: SMTP circuit breaker is open, skipping delivery", "host", host)
			metrics.ForwardRelayTotal.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("SMTP relay circuit breaker is open: %w", err)
		}
		return err
	}

	return t.send(host, from, to, message)
}

func (t *SMTPTransport) send(host, from, to string, message []byte) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !t.TLSVerify,
	}

	var c *smtp.Client
	var err error
	if t.UseStartTLS {
		c, err = smtp.DialStartTLS(withDefaultPort(host, "25"), tlsConfig)
	} else {
		c, err = smtp.DialTLS(withDefaultPort(host, "465"), tlsConfig)
	}
	if err != nil {
		metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		return &TransportError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
	}
	defer c.Close()

	var sendErr error
	defer func() {
		if sendErr != nil {
			metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		}
	}()

	if sendErr = c.Mail(from, nil); sendErr != nil {
		return &TransportError{Err: fmt.Errorf("failed to set sender: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}
	if sendErr = c.Rcpt(to, nil); sendErr != nil {
		return &TransportError{Err: fmt.Errorf("failed to set recipient: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}

	wc, sendErr := c.Data()
	if sendErr != nil {
		return &TransportError{Err: fmt.Errorf("failed to start data: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}
	if _, sendErr = wc.Write(message); sendErr != nil {
		_ = wc.Close()
		return &TransportError{Err: fmt.Errorf("failed to write message: %w", sendErr), Permanent: false}
	}
	if sendErr = wc.Close(); sendErr != nil {
		return &TransportError{Err: fmt.Errorf("failed to close data writer: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted at this point.
		logger.Warn("Forward: failed to send QUIT", "error", err)
	}

	metrics.ForwardRelayTotal.WithLabelValues("success").Inc()
	return nil
}

// HTTPTransport posts messages to webhook endpoints with bearer-token
// authentication, protected by a circuit breaker. URL is the configured
// default, used for targets that do not carry their own endpoint.
type HTTPTransport struct {
	URL            string
	AuthToken      string
	Zone           string
	Collection     string
	CircuitBreaker *circuitbreaker.CircuitBreaker
	Client         *http.Client
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (t *HTTPTransport) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return t.CircuitBreaker
}

// httpForwardRequest is the webhook payload.
type httpForwardRequest struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"` // RFC822 message as string
	Zone       string   `json:"zone,omitempty"`
	Collection string   `json:"collection,omitempty"`
}

func (t *HTTPTransport) Send(endpoint, from, to string, message []byte) error {
	url := endpoint
	if url == "" {
		url = t.URL
	}
	if url == "" {
		return &TransportError{Err: fmt.Errorf("no HTTP forward URL for %s", to), Permanent: true}
	}

	if t.CircuitBreaker != nil {
		err := t.CircuitBreaker.Do(func() error {
			return t.send(url, from, to, message)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			logger.Warn("Forward: HTTP circuit breaker is open, skipping delivery", "url", url)
			metrics.ForwardRelayTotal.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("HTTP forward circuit breaker is open: %w", err)
		}
		return err
	}

	return t.send(url, from, to, message)
}

func (t *HTTPTransport) send(url, from, to string, message []byte) error {
	payload := httpForwardRequest{
		From:       from,
		Recipients: []string{to},
		Message:    string(message),
		Zone:       t.Zone,
		Collection: t.Collection,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		return &TransportError{Err: fmt.Errorf("failed to marshal forward request: %w", err), Permanent: true}
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		return &TransportError{Err: fmt.Errorf("failed to create HTTP request: %w", err), Permanent: true}
	}

	req.Header.Set("Content-Type", "application/json")
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		return &TransportError{Err: fmt.Errorf("failed to send forward request: %w", err), Permanent: false}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ForwardRelayTotal.WithLabelValues("failure").Inc()
		// HTTP 4xx means the endpoint rejected the request itself; 5xx
		// and everything else may recover.
		permanent := resp.StatusCode >= 400 && resp.StatusCode < 500
		return &TransportError{
			Err:       fmt.Errorf("forward endpoint returned status %d", resp.StatusCode),
			Permanent: permanent,
		}
	}

	metrics.ForwardRelayTotal.WithLabelValues("success").Inc()
	return nil
}

// NewSMTPTransport builds the SMTP transport with a consecutive-failure
// circuit breaker.
func NewSMTPTransport(host string, useStartTLS, tlsVerify bool) *SMTPTransport {
	return &SMTPTransport{
		Host:           host,
		UseStartTLS:    useStartTLS,
		TLSVerify:      tlsVerify,
		CircuitBreaker: newTransportBreaker("smtp_forward"),
	}
}

// NewHTTPTransport builds the webhook transport with a consecutive-failure
// circuit breaker.
func NewHTTPTransport(url, authToken, zone, collection string) *HTTPTransport {
	return &HTTPTransport{
		URL:            url,
		AuthToken:      authToken,
		Zone:           zone,
		Collection:     collection,
		CircuitBreaker: newTransportBreaker("http_forward"),
	}
}

// withDefaultPort appends port when addr carries none. Chain entries often
// name a bare relay host.
func withDefaultPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, port)
}

func newTransportBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             name,
		FailureThreshold: 5,
		MaxRequests:      3,
		Timeout:          30 * time.Second,
		// A permanent rejection means the destination answered; only
		// errors that look like an unreachable destination count
		// against its health.
		IsFailure: func(err error) bool {
			return err != nil && !IsPermanentError(err)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Info("Forward: circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
}
