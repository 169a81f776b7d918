package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned by EncodeRequest for requests the service would reject.
var ErrInvalidRequest = errors.New("invalid generation request")

// Request is a single text-to-image generation request.
type Request struct {
	UseBinary      bool    // Ask the service for msgpack frames with raw image bytes instead of JSON/base64
	Engine         string  // Engine identifier, e.g. stable-diffusion-xl-1024-v1-0
	Steps          int     // Number of diffusion steps
	Width          int     // Output width in pixels
	Height         int     // Output height in pixels
	Seed           int     // Random seed. Set for reproducible generation
	CFGScale       float64 // Classifier free guidance scale
	Samples        int     // Number of images to generate
	Prompt         string  // Prompt for generated image
	NegativePrompt string  // What the images should not contain
	CallbackSteps  int     // Number of steps between progress frames carrying preview images
	CallbackStart  int     // Step to start sending preview images
}

// TextPrompt is one weighted prompt. Negative weights steer away from the text.
type TextPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// Payload is the JSON document the generation service expects as the first
// message on the socket.
type Payload struct {
	UseBinary     bool         `json:"use_binary"`
	Engine        string       `json:"engine"`
	Steps         int          `json:"steps"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	Seed          int          `json:"seed"`
	CFGScale      float64      `json:"cfg_scale"`
	Samples       int          `json:"samples"`
	TextPrompts   []TextPrompt `json:"text_prompts"`
	CallbackSteps int          `json:"callback_steps"`
	CallbackStart int          `json:"callback_start"`
}

// Validate reports the first field outside the range the service accepts.
func (r Request) Validate() error {
	switch {
	case r.Prompt == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case r.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive (got %d)", ErrInvalidRequest, r.Steps)
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("%w: size must be positive (got %dx%d)", ErrInvalidRequest, r.Width, r.Height)
	case r.Seed < 0:
		return fmt.Errorf("%w: seed must not be negative (got %d)", ErrInvalidRequest, r.Seed)
	case r.CFGScale <= 0:
		return fmt.Errorf("%w: cfg scale must be positive (got %g)", ErrInvalidRequest, r.CFGScale)
	case r.Samples <= 0:
		return fmt.Errorf("%w: samples must be positive (got %d)", ErrInvalidRequest, r.Samples)
	case r.CallbackSteps < 1:
		return fmt.Errorf("%w: callback steps must be at least 1 (got %d)", ErrInvalidRequest, r.CallbackSteps)
	case r.CallbackStart < 0:
		return fmt.Errorf("%w: callback start must not be negative (got %d)", ErrInvalidRequest, r.CallbackStart)
	}
	return nil
}

// LastStep is the step index of the final frame the service sends.
func (r Request) LastStep() int {
	return r.Steps - 1
}

// Payload builds the wire document. The prompt list always holds the
// positive prompt at weight 1 followed by the negative prompt at weight -1.
func (r Request) Payload() Payload {
	return Payload{
		UseBinary: r.UseBinary,
		Engine:    r.Engine,
		Steps:     r.Steps,
		Width:     r.Width,
		Height:    r.Height,
		Seed:      r.Seed,
		CFGScale:  r.CFGScale,
		Samples:   r.Samples,
		TextPrompts: []TextPrompt{
			{Text: r.Prompt, Weight: 1},
			{Text: r.NegativePrompt, Weight: -1},
		},
		CallbackSteps: r.CallbackSteps,
		CallbackStart: r.CallbackStart,
	}
}

// EncodeRequest serializes r as the JSON text message sent right after the
// connection opens.
func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r.Payload())
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON: %w", err)
	}
	return data, nil
}
