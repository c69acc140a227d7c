package kaleyra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

const (
	providerID  = "kaleyra"
	channelName = "SMS"
	maxOTPlen   = 6
	apiURL      = "https://api.kaleyra.io/v1/%s/messages"
)

var reNum = regexp.MustCompile(`\+?([0-9]){8,15}`)

// Kaleyra is an SMS provider backed by the Kaleyra messaging API.
type Kaleyra struct {
	cfg Config
	h   *http.Client
}

type Config struct {
	SID      string        `json:"sid"`
	APIKey   string        `json:"api_key"`
	Sender   string        `json:"sender"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

type apiReq struct {
	To     string `json:"to"`
	Sender string `json:"sender"`
	Type   string `json:"type"`
	Body   string `json:"body"`
}

// apiResp represents the response from the kaleyra API.
type apiResp struct {
	ID    string `json:"id"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New implements a Kaleyra SMS provider.
func New(cfg Config) (*Kaleyra, error) {
	if cfg.SID == "" || cfg.APIKey == "" || cfg.Sender == "" {
		return nil, errors.New("invalid SID, APIKey, or Sender")
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	return &Kaleyra{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (k *Kaleyra) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (k *Kaleyra) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (k *Kaleyra) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push pushes out an SMS. The API key travels in the api-key request
// header; a non-2xx response or an error body is surfaced with the
// transport's message so the caller can propagate delivery details.
func (k *Kaleyra) Push(ctx context.Context, to, subject string, body []byte) error {
	b, err := json.Marshal(apiReq{
		To:     to,
		Sender: k.cfg.Sender,
		Type:   "OTP",
		Body:   string(body),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf(apiURL, k.cfg.SID), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", k.cfg.APIKey)

	resp, err := k.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	r := apiResp{}
	if err := json.Unmarshal(rb, &r); err != nil {
		return fmt.Errorf("sms api returned %d: %s", resp.StatusCode, rb)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms api returned %d: %s", resp.StatusCode, r.Error.Message)
	}
	return nil
}

// MaxOTPLen returns the maximum allowed length of the OTP value.
func (k *Kaleyra) MaxOTPLen() int {
	return maxOTPlen
}

// MaxBodyLen returns the max permitted body size.
func (k *Kaleyra) MaxBodyLen() int {
	return 140
}
