package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"text/template"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-chi/chi/v5"
	"github.com/lumeclub/otpd/internal/otp"
	"github.com/lumeclub/otpd/internal/store/redis"
	"github.com/lumeclub/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dummyProv is a messaging backend that records the last push instead
// of sending anything.
type dummyProv struct {
	mu       sync.Mutex
	fail     bool
	maxBody  int
	lastTo   string
	lastBody []byte
}

var reDigits = regexp.MustCompile(`^[0-9]{8,15}$`)

func (d *dummyProv) ID() string {
	return "dummy"
}

func (d *dummyProv) ChannelName() string {
	return "dummychannel"
}

func (d *dummyProv) ValidateAddress(to string) error {
	if !reDigits.MatchString(to) {
		return errors.New("invalid dummy number")
	}
	return nil
}

func (d *dummyProv) Push(ctx context.Context, to, subject string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		return errors.New("dummy push failure")
	}
	d.lastTo = to
	d.lastBody = body
	return nil
}

func (d *dummyProv) MaxOTPLen() int {
	return 6
}

func (d *dummyProv) MaxBodyLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBody
}

func (d *dummyProv) last() (string, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTo, d.lastBody
}

func (d *dummyProv) set(fail bool, maxBody int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
	d.maxBody = maxBody
}

const (
	dummySecret  = "test-commitment-secret"
	dummyNumber  = "5511999998888"
	dummyNumber2 = "5511999997777"

	testOtpTTL   = 5 * time.Minute
	testCooldown = 40 * time.Second
)

var (
	srv   *httptest.Server
	rdis  *miniredis.Miniredis
	prov  *dummyProv
	reOTP = regexp.MustCompile(`[0-9]{6}`)
)

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	signer, err := otp.NewSigner(dummySecret)
	if err != nil {
		log.Fatal(err)
	}

	// Message templates.
	subj, _ := template.New("subject").Parse("Your verification code")
	body, _ := template.New("body").Parse(defaultBodyTpl)

	prov = &dummyProv{maxBody: 140}

	// Dummy app.
	app := &App{
		lo:     initLogger(true),
		signer: signer,
		provider: &provider{
			p:   prov,
			tpl: &providerTpl{subject: subj, body: body},
		},
		constants: constants{
			OtpTTL:         testOtpTTL,
			ResendCooldown: testCooldown,
			PushTimeout:    2 * time.Second,
		},
		store: redis.New(redis.Conf{
			Host: rd.Host(),
			Port: port,
		}),
	}

	r := chi.NewRouter()
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/issue", wrap(app, handleIssueOTP))
	r.Post("/api/otp/verify", wrap(app, handleVerifyOTP))
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, "method not allowed", http.StatusMethodNotAllowed, nil)
	})
	srv = httptest.NewServer(r)
}

func issue(t *testing.T, number string) (models.IssueResp, string) {
	var out models.IssueResp
	r := testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{Number: number}, &out)
	require.Equal(t, http.StatusOK, r.StatusCode, "issuance failed")

	_, body := prov.last()
	code := reOTP.FindString(string(body))
	require.NotEmpty(t, code, "no code found in the pushed message")
	return out, code
}

func TestHealthCheck(t *testing.T) {
	var out map[string]interface{}
	r := testRequest(t, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
}

func TestIssueOTP(t *testing.T) {
	rdis.FlushDB()

	start := time.Now()
	out, code := issue(t, dummyNumber)

	to, _ := prov.last()
	assert.True(t, out.Success, "success flag not set")
	assert.Regexp(t, `^[0-9a-f]{64}$`, out.OTPHash, "otpHash isn't a 64 char hex digest")
	assert.Equal(t, dummyNumber, to, "OTP was pushed to the wrong number")
	assert.Len(t, code, 6, "pushed code isn't 6 digits")

	// Expiry and resend metadata should sit at the configured offsets.
	assert.WithinDuration(t, start.Add(testOtpTTL), out.ExpiresAt, 5*time.Second,
		"expiresAt isn't ~5 minutes out")
	assert.WithinDuration(t, start.Add(testCooldown), out.NextAllowedAt, 5*time.Second,
		"nextAllowedAt isn't ~40 seconds out")
}

func TestIssueOTPValidation(t *testing.T) {
	rdis.FlushDB()

	var out httpErr
	r := testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for missing number")
	assert.NotEmpty(t, out.Error, "error message missing")

	r = testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{Number: "xxxx"}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for invalid number")
}

func TestIssueOTPCooldown(t *testing.T) {
	rdis.FlushDB()
	issue(t, dummyNumber)

	// A second issuance inside the resend window is rate limited and
	// reports the remaining wait.
	var out httpErr
	r := testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{Number: dummyNumber}, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "resend inside cooldown wasn't limited")

	details, ok := out.Details.(map[string]interface{})
	require.True(t, ok, "429 details missing")
	retry, ok := details["retry_after_seconds"].(float64)
	require.True(t, ok, "retry_after_seconds missing from 429 details")
	assert.Greater(t, retry, 0.0, "retry_after_seconds isn't positive")
	assert.LessOrEqual(t, retry, testCooldown.Seconds(), "retry_after_seconds exceeds the window")

	// A different number is unaffected.
	issue(t, dummyNumber2)

	// After the window lapses, the first number can be issued again.
	rdis.FastForward(testCooldown + time.Second)
	issue(t, dummyNumber)
}

func TestIssueOTPConcurrent(t *testing.T) {
	rdis.FlushDB()

	// Parallel issuances for one number: exactly one wins the resend
	// window, the rest are limited without dispatching anything.
	const n = 16
	var (
		wg      sync.WaitGroup
		sent    int32
		limited int32
	)
	body, _ := json.Marshal(models.IssueReq{Number: dummyNumber})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/api/otp/issue", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt32(&sent, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt32(&limited, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, sent, "more than one concurrent issuance dispatched a message")
	assert.EqualValues(t, n-1, limited, "losing issuances weren't rate limited")
}

func TestIssueOTPDeliveryFailure(t *testing.T) {
	rdis.FlushDB()
	prov.set(true, 140)
	defer prov.set(false, 140)

	var out httpErr
	r := testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{Number: dummyNumber}, &out)
	assert.Equal(t, http.StatusInternalServerError, r.StatusCode, "non 500 response for failed delivery")

	d, _ := json.Marshal(out.Details)
	assert.Contains(t, string(d), "dummy push failure", "transport error not propagated in details")

	// A failed send must not start the cooldown window.
	prov.set(false, 140)
	issue(t, dummyNumber)
}

func TestIssueOTPBodyLimit(t *testing.T) {
	rdis.FlushDB()
	prov.set(false, 10)
	defer prov.set(false, 140)

	// The rendered message can't fit the provider's body limit.
	var out httpErr
	r := testRequest(t, http.MethodPost, "/api/otp/issue", models.IssueReq{Number: dummyNumber}, &out)
	assert.Equal(t, http.StatusInternalServerError, r.StatusCode, "non 500 response for oversized body")

	d, _ := json.Marshal(out.Details)
	assert.Contains(t, string(d), "byte limit", "body limit error not propagated in details")

	// The rejected send must not start the cooldown window.
	prov.set(false, 140)
	issue(t, dummyNumber)
}

func TestVerifyOTP(t *testing.T) {
	rdis.FlushDB()
	issued, code := issue(t, dummyNumber)

	var out models.VerifyResp

	// Wrong code.
	wrong := "000000"
	r := testRequest(t, http.MethodPost, "/api/otp/verify",
		models.VerifyReq{Number: dummyNumber, OTP: wrong, OTPHash: issued.OTPHash}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.True(t, out.Success, "success flag not set")
	assert.False(t, out.Valid, "wrong code verified")

	// Correct code against another number.
	r = testRequest(t, http.MethodPost, "/api/otp/verify",
		models.VerifyReq{Number: dummyNumber2, OTP: code, OTPHash: issued.OTPHash}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.False(t, out.Valid, "commitment verified against another number")

	// Correct code.
	r = testRequest(t, http.MethodPost, "/api/otp/verify",
		models.VerifyReq{Number: dummyNumber, OTP: code, OTPHash: issued.OTPHash}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.True(t, out.Valid, "correct code didn't verify")

	// The commitment is consumed on first success.
	r = testRequest(t, http.MethodPost, "/api/otp/verify",
		models.VerifyReq{Number: dummyNumber, OTP: code, OTPHash: issued.OTPHash}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.False(t, out.Valid, "consumed commitment verified again")
}

func TestVerifyOTPConcurrent(t *testing.T) {
	rdis.FlushDB()
	issued, code := issue(t, dummyNumber)

	// Parallel verifications with the correct code: the atomic burn
	// lets exactly one consume the commitment.
	const n = 32
	var (
		wg    sync.WaitGroup
		valid int32
	)
	body, _ := json.Marshal(models.VerifyReq{Number: dummyNumber, OTP: code, OTPHash: issued.OTPHash})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/api/otp/verify", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()

			var out models.VerifyResp
			if json.NewDecoder(resp.Body).Decode(&out) == nil && out.Valid {
				atomic.AddInt32(&valid, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, valid, "more than one concurrent verification consumed the commitment")
}

func TestVerifyOTPValidation(t *testing.T) {
	rdis.FlushDB()

	reqs := []models.VerifyReq{
		{},
		{Number: dummyNumber},
		{Number: dummyNumber, OTP: "123456"},
		{OTP: "123456", OTPHash: "abc"},
	}
	for _, req := range reqs {
		var out httpErr
		r := testRequest(t, http.MethodPost, "/api/otp/verify", req, &out)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "non 400 response for missing fields")
	}
}

func TestMethodGuard(t *testing.T) {
	for _, path := range []string{"/api/otp/issue", "/api/otp/verify"} {
		var out httpErr
		r := testRequest(t, http.MethodGet, path, nil, &out)
		assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode, "non 405 response for GET "+path)
	}
}

func testRequest(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
			return nil
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	req.Header.Add("Content-Type", "application/json")

	// HTTP client.
	c := &http.Client{}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatal(err)
	}

	return resp
}
