package models

import (
	"context"
	"time"
)

// IssueReq is the request body for issuing an OTP.
type IssueReq struct {
	Number string `json:"number"`
}

// IssueResp is returned on a successful issuance. The plaintext code is
// never part of this response; it travels only through the out-of-band
// message. OTPHash is the keyed commitment the client must present back
// at verification.
type IssueResp struct {
	Success       bool      `json:"success"`
	OTPHash       string    `json:"otpHash"`
	ExpiresAt     time.Time `json:"expiresAt"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`
}

// VerifyReq is the request body for verifying an OTP.
type VerifyReq struct {
	Number  string `json:"number"`
	OTP     string `json:"otp"`
	OTPHash string `json:"otpHash"`
}

// VerifyResp is returned on a successful verification call. Valid is
// false for a wrong code, a commitment issued for another number, or a
// commitment that has already been consumed; none of these are errors.
type VerifyResp struct {
	Success bool `json:"success"`
	Valid   bool `json:"valid"`
}

// Provider is an interface for a generic messaging backend that delivers
// the OTP code out-of-band, for instance SMS or e-mail.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// on, for example "SMS" or "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider is
	// supposed to send the OTP to, for instance, a phone number or an
	// e-mail address.
	ValidateAddress(to string) error

	// Push dispatches a message to the given address. Implementations
	// should honour the context deadline.
	Push(ctx context.Context, to, subject string, body []byte) error

	// MaxOTPLen returns the maximum allowed length of the OTP value.
	MaxOTPLen() int

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider.
	MaxBodyLen() int
}
