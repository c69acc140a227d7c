// webhook is a generic webhook Provider implementation that posts OTP
// messages to a URL. Useful for staging and dev environments where the
// rendered message should land on an internal endpoint instead of a
// paid messaging API.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook is the default representation of the Webhook interface.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL         string `json:"url"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChannelName string `json:"channel_name"`
	MaxOTPLen   int    `json:"max_otp_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New implements a webhook provider.
func New(cfg Config) (*Webhook, error) {
	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Provider's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress accepts any address; the upstream endpoint decides.
func (w *Webhook) ValidateAddress(to string) error {
	return nil
}

// Push posts the message to the upstream URL.
func (w *Webhook) Push(ctx context.Context, to, subject string, body []byte) error {
	p := Payload{
		To:      to,
		Subject: subject,
		Body:    string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "otpd")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MaxOTPLen returns the maximum allowed length of the OTP value.
func (w *Webhook) MaxOTPLen() int {
	if w.cfg.MaxOTPLen < 1 {
		return 6
	}
	return w.cfg.MaxOTPLen
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return 0
}
