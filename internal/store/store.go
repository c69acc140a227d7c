// Package store defines the storage backend for the two server-enforced
// abuse controls around OTP issuance and verification: the per-number
// resend cooldown and the burn-after-use record for consumed commitments.
// The commitment scheme itself is stateless; nothing here ever holds a
// plaintext code.
package store

import "time"

// Store represents a storage backend for OTP abuse-control state.
// Claim and burn operations are atomic: under concurrent requests,
// exactly one caller wins.
type Store interface {
	// Cooldown returns the remaining resend cooldown for a phone
	// number. A zero duration means the number is free to receive
	// another OTP.
	Cooldown(number string) (time.Duration, error)

	// ClaimCooldown atomically starts the resend window for a phone
	// number. It returns false when a window is already active, in
	// which case no new window is started.
	ClaimCooldown(number string, ttl time.Duration) (bool, error)

	// ReleaseCooldown clears a claimed window, so a failed delivery
	// doesn't lock the number out for the full window.
	ReleaseCooldown(number string) error

	// Burn atomically marks a commitment digest as consumed. It
	// returns true only for the first caller to burn a given digest.
	// The record expires after ttl, which should match the OTP
	// validity window.
	Burn(digest string, ttl time.Duration) (bool, error)

	// Ping checks if the store is reachable.
	Ping() error
}
