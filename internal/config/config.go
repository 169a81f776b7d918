// Package config holds the static deployment configuration of the client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/blacktop/sdxly/internal/codec"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SDXLY_"

var (
	// ValidSizes are the resolutions SDXL was trained on that the service accepts.
	ValidSizes = []string{
		"1024x1024",
		"1536x640",
		"640x1536",
		"1152x896",
		"896x1152",
		"1216x832",
		"832x1216",
	}
	validMIMETypes = []string{
		"image/jpeg",
		"image/png",
		"image/webp",
	}
)

type Config struct {
	Endpoint       string  `env:"ENDPOINT" envDefault:"ws://localhost:50217/images/generate-ws"`
	Engine         string  `env:"ENGINE" envDefault:"stable-diffusion-xl-1024-v1-0"`
	Steps          int     `env:"STEPS" envDefault:"40"`
	Width          int     `env:"WIDTH" envDefault:"1024"`
	Height         int     `env:"HEIGHT" envDefault:"1024"`
	CFGScale       float64 `env:"CFG_SCALE" envDefault:"5"`
	Samples        int     `env:"SAMPLES" envDefault:"4"`
	NegativePrompt string  `env:"NEGATIVE_PROMPT" envDefault:"blurry"`
	CallbackSteps  int     `env:"CALLBACK_STEPS" envDefault:"5"`
	CallbackStart  int     `env:"CALLBACK_START" envDefault:"0"`
	SeedMax        int     `env:"SEED_MAX" envDefault:"10000"`

	// Framing and artifact handling
	UseBinary    bool   `env:"USE_BINARY" envDefault:"true"`
	MIMEType     string `env:"MIME_TYPE" envDefault:"image/jpeg"`
	VerifyImages bool   `env:"VERIFY_IMAGES" envDefault:"false"`

	OutputFolder string `env:"OUTPUT"`
}

// Load reads the optional dotenv files (missing files are skipped) and then
// the SDXLY_* environment. Variables already set in the environment win over
// the files.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SetSize parses a WIDTHxHEIGHT string.
func (c *Config) SetSize(size string) error {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return fmt.Errorf("invalid size %q (want WIDTHxHEIGHT)", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return fmt.Errorf("invalid width in %q: %w", size, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return fmt.Errorf("invalid height in %q: %w", size, err)
	}
	c.Width, c.Height = width, height
	return nil
}

// Size formats the configured resolution as WIDTHxHEIGHT.
func (c *Config) Size() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint scheme %q (must be ws or wss)", u.Scheme)
	}
	if !slices.Contains(ValidSizes, c.Size()) {
		return fmt.Errorf("invalid size %s (must be one of: %s)", c.Size(), strings.Join(ValidSizes, ", "))
	}
	if !slices.Contains(validMIMETypes, c.MIMEType) {
		return fmt.Errorf("invalid mime type %s (must be one of: %s)", c.MIMEType, strings.Join(validMIMETypes, ", "))
	}
	if c.SeedMax <= 0 {
		return fmt.Errorf("seed max must be positive (got %d)", c.SeedMax)
	}
	// everything else is checked by the request itself
	req := c.Request("validate", 0)
	return req.Validate()
}

// Request builds a generation request for prompt with the configured defaults.
func (c *Config) Request(prompt string, seed int) codec.Request {
	return codec.Request{
		UseBinary:      c.UseBinary,
		Engine:         c.Engine,
		Steps:          c.Steps,
		Width:          c.Width,
		Height:         c.Height,
		Seed:           seed,
		CFGScale:       c.CFGScale,
		Samples:        c.Samples,
		Prompt:         prompt,
		NegativePrompt: c.NegativePrompt,
		CallbackSteps:  c.CallbackSteps,
		CallbackStart:  c.CallbackStart,
	}
}
