package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/lumeclub/otpd/internal/providers/kaleyra"
	"github.com/lumeclub/otpd/internal/providers/pinpoint"
	"github.com/lumeclub/otpd/internal/providers/smtp"
	"github.com/lumeclub/otpd/internal/providers/webhook"
	"github.com/lumeclub/otpd/pkg/models"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const defaultBodyTpl = `Your {{ .Channel }} verification code is {{ .OTP }}. It expires in {{ .TTL }}.`

// provider bundles a messaging backend with its compiled message
// templates.
type provider struct {
	p   models.Provider
	tpl *providerTpl
}

type providerTpl struct {
	subject *template.Template
	body    *template.Template
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OTPD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTPD_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opt := logf.Opts{EnableColor: true}
	if debug {
		opt.Level = logf.DebugLevel
		opt.EnableCaller = true
	}
	return logf.New(opt)
}

// initProviders initializes the messaging backends for every
// [provider.*] block in the config, along with their templates.
func initProviders() (map[string]*provider, error) {
	out := make(map[string]*provider)
	for _, id := range ko.MapKeys("provider") {
		var (
			p   models.Provider
			err error
		)
		switch id {
		case "kaleyra":
			var cfg kaleyra.Config
			ko.UnmarshalWithConf("provider.kaleyra", &cfg, koanf.UnmarshalConf{Tag: "json"})
			p, err = kaleyra.New(cfg)
		case "pinpoint":
			var cfg pinpoint.Config
			ko.UnmarshalWithConf("provider.pinpoint", &cfg, koanf.UnmarshalConf{Tag: "json"})
			p, err = pinpoint.NewSMS(cfg)
		case "smtp":
			var cfg smtp.Config
			ko.UnmarshalWithConf("provider.smtp", &cfg, koanf.UnmarshalConf{Tag: "json"})
			p, err = smtp.New(cfg)
		case "webhook":
			var cfg webhook.Config
			ko.UnmarshalWithConf("provider.webhook", &cfg, koanf.UnmarshalConf{Tag: "json"})
			cfg.ID = id
			p, err = webhook.New(cfg)
		default:
			return nil, fmt.Errorf("unknown provider '%s' in config", id)
		}
		if err != nil {
			return nil, fmt.Errorf("error initializing provider '%s': %v", id, err)
		}

		tpl, err := initProviderTpl(id)
		if err != nil {
			return nil, err
		}

		out[id] = &provider{p: p, tpl: tpl}
		lo.Info("loaded provider", "provider", id)
	}

	return out, nil
}

// initProviderTpl loads a provider's message templates. The body comes
// from an optional template file; the subject is an optional inline
// string. Both fall back to defaults.
func initProviderTpl(id string) (*providerTpl, error) {
	var (
		tplFile = ko.String(fmt.Sprintf("provider.%s.template", id))
		subj    = ko.String(fmt.Sprintf("provider.%s.subject", id))

		body *template.Template
		err  error
	)

	if tplFile != "" {
		// The template name has to match the file's base name for
		// Execute() to pick it up after ParseFiles().
		body, err = template.New(filepath.Base(tplFile)).Funcs(sprig.FuncMap()).ParseFiles(tplFile)
		if err != nil {
			return nil, fmt.Errorf("error parsing template %s for %s: %v", tplFile, id, err)
		}
	} else {
		body, err = template.New("body").Funcs(sprig.FuncMap()).Parse(defaultBodyTpl)
		if err != nil {
			return nil, err
		}
	}

	if subj == "" {
		subj = "Your verification code"
	}
	subjTpl, err := template.New("subject").Funcs(sprig.FuncMap()).Parse(subj)
	if err != nil {
		return nil, fmt.Errorf("error parsing subject template for %s: %v", id, err)
	}

	return &providerTpl{
		subject: subjTpl,
		body:    body,
	}, nil
}
