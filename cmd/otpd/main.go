package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/lumeclub/otpd/internal/otp"
	"github.com/lumeclub/otpd/internal/store"
	"github.com/lumeclub/otpd/internal/store/redis"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, provider, config etc.) to be injected into the
// HTTP handlers.
type App struct {
	store    store.Store
	provider *provider
	signer   *otp.Signer
	lo       logf.Logger

	constants constants
}

type constants struct {
	OtpTTL         time.Duration
	ResendCooldown time.Duration
	PushTimeout    time.Duration
}

var (
	ko = koanf.New(".")
	lo logf.Logger

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo = initLogger(ko.Bool("app.debug") || ko.Bool("debug"))

	// The commitment secret is mandatory. There is no fallback value;
	// a known secret would let anyone mint valid commitments.
	signer, err := otp.NewSigner(ko.String("app.secret"))
	if err != nil {
		lo.Fatal("app.secret is not set in config")
	}

	provs, err := initProviders()
	if err != nil {
		lo.Fatal("error loading providers", "error", err)
	} else if len(provs) == 0 {
		lo.Fatal("no providers configured. Add a [provider.*] block to the config.")
	}

	active := ko.String("app.provider")
	prov, ok := provs[active]
	if !ok {
		lo.Fatal("app.provider is not a configured provider", "provider", active)
	}
	if otp.CodeLen > prov.p.MaxOTPLen() {
		lo.Fatal("provider cannot carry the generated code length",
			"provider", active, "code_len", otp.CodeLen, "max", prov.p.MaxOTPLen())
	}

	app := &App{
		provider: prov,
		signer:   signer,
		lo:       lo,

		constants: initConstants(),
	}

	// Load the store.
	var rc redis.Conf
	ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"})
	app.store = redis.New(rc)

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpd"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/issue", wrap(app, handleIssueOTP))
	r.Post("/api/otp/verify", wrap(app, handleVerifyOTP))
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, "method not allowed", http.StatusMethodNotAllowed, nil)
	})

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "provider", prov.p.ID(), "version", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}

func initConstants() constants {
	c := constants{
		OtpTTL:         ko.Duration("app.otp_ttl") * time.Second,
		ResendCooldown: ko.Duration("app.resend_cooldown") * time.Second,
		PushTimeout:    ko.Duration("app.push_timeout") * time.Second,
	}

	if c.OtpTTL.Seconds() < 1 {
		c.OtpTTL = 5 * time.Minute
	}
	if c.ResendCooldown.Seconds() < 1 {
		c.ResendCooldown = 40 * time.Second
	}
	if c.PushTimeout.Seconds() < 1 {
		c.PushTimeout = 5 * time.Second
	}

	return c
}
