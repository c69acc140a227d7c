package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumeclub/otpd/internal/otp"
	"github.com/lumeclub/otpd/pkg/models"
)

type httpErr struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type cooldownErr struct {
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

type deliveryErr struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// pushTpl is the data passed to the provider's message templates.
type pushTpl struct {
	To      string
	Channel string
	OTP     string
	TTL     time.Duration
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, struct {
		Success bool `json:"success"`
	}{true})
}

// handleIssueOTP generates a fresh OTP for a phone number, dispatches it
// out-of-band via the configured provider, and returns the keyed
// commitment with the expiry and resend metadata. Nothing about the code
// itself is persisted; only the resend-cooldown key is written.
func handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req models.IssueReq
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" {
		sendErrorResponse(w, "`number` is required.", http.StatusBadRequest, nil)
		return
	}

	if err := app.provider.p.ValidateAddress(req.Number); err != nil {
		sendErrorResponse(w, "Invalid `number`: "+err.Error(), http.StatusBadRequest, nil)
		return
	}

	// Server-enforced resend cooldown, keyed by the phone number.
	// The window is claimed atomically up front so concurrent requests
	// for one number can't all dispatch a message.
	claimed, err := app.store.ClaimCooldown(req.Number, app.constants.ResendCooldown)
	if err != nil {
		app.lo.Error("error claiming resend cooldown", "error", err)
		sendErrorResponse(w, "Error checking resend cooldown.", http.StatusInternalServerError, nil)
		return
	}
	if !claimed {
		wait, err := app.store.Cooldown(req.Number)
		if err != nil {
			app.lo.Error("error checking resend cooldown", "error", err)
			sendErrorResponse(w, "Error checking resend cooldown.", http.StatusInternalServerError, nil)
			return
		}
		sendErrorResponse(w, "An OTP was sent recently. Retry later.",
			http.StatusTooManyRequests, cooldownErr{RetryAfterSeconds: wait.Seconds()})
		return
	}

	code, err := otp.GenerateCode()
	if err != nil {
		app.lo.Error("error generating OTP", "error", err)
		sendErrorResponse(w, "Error generating OTP.", http.StatusInternalServerError, nil)
		return
	}
	digest := app.signer.Commit(code, req.Number)

	// Push the OTP out. On failure, release the claimed window so the
	// user isn't locked out of retrying a send that never happened.
	if err := push(r.Context(), app, req.Number, code); err != nil {
		app.lo.Error("error sending OTP", "error", err, "provider", app.provider.p.ID())
		if err := app.store.ReleaseCooldown(req.Number); err != nil {
			app.lo.Error("error releasing resend cooldown", "error", err)
		}
		sendErrorResponse(w, "Error sending OTP.", http.StatusInternalServerError,
			deliveryErr{Provider: app.provider.p.ID(), Message: err.Error()})
		return
	}

	now := time.Now()
	sendResponse(w, models.IssueResp{
		Success:       true,
		OTPHash:       digest,
		ExpiresAt:     now.Add(app.constants.OtpTTL),
		NextAllowedAt: now.Add(app.constants.ResendCooldown),
	})
}

// handleVerifyOTP checks a user-supplied code against a previously
// issued commitment. A wrong code, a commitment for another number, and
// an already-consumed commitment all yield valid=false; none are errors.
// Expiry is the calling workflow's check against the expiresAt it was
// handed at issuance; the commitment carries no timestamp to check here.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req models.VerifyReq
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Number == "" || req.OTP == "" || req.OTPHash == "" {
		sendErrorResponse(w, "`number`, `otp` and `otpHash` are required.", http.StatusBadRequest, nil)
		return
	}

	valid := app.signer.Verify(req.OTP, req.Number, req.OTPHash)

	// Burn the commitment on first successful use. The burn claim is
	// atomic, so of any concurrent verifications holding the correct
	// code, exactly one gets valid=true.
	if valid {
		first, err := app.store.Burn(req.OTPHash, app.constants.OtpTTL)
		if err != nil {
			app.lo.Error("error burning commitment", "error", err)
			sendErrorResponse(w, "Error recording verification.", http.StatusInternalServerError, nil)
			return
		}
		valid = first
	}

	sendResponse(w, models.VerifyResp{Success: true, Valid: valid})
}

// push compiles the provider's message templates and dispatches the
// code, bounded by the configured push timeout.
func push(ctx context.Context, app *App, to, code string) error {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = pushTpl{
			To:      to,
			Channel: app.provider.p.ChannelName(),
			OTP:     code,
			TTL:     app.constants.OtpTTL,
		}
	)

	if err := app.provider.tpl.subject.Execute(subj, data); err != nil {
		return err
	}
	if err := app.provider.tpl.body.Execute(out, data); err != nil {
		return err
	}
	if max := app.provider.p.MaxBodyLen(); max > 0 && out.Len() > max {
		return fmt.Errorf("rendered message exceeds the %d byte limit of provider %s",
			max, app.provider.p.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, app.constants.PushTimeout)
	defer cancel()

	app.lo.Debug("sending otp", "to", to, "provider", app.provider.p.ID())
	return app.provider.p.Push(ctx, to, subj.String(), out.Bytes())
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON body to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(data)
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error body to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, details interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	out, _ := json.Marshal(httpErr{Error: message, Details: details})
	w.Write(out)
}
