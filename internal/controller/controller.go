// Package controller starts generation sessions for user prompts and
// projects their state for the view.
package controller

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/blacktop/sdxly/internal/assemble"
	"github.com/blacktop/sdxly/internal/config"
	"github.com/blacktop/sdxly/internal/session"
	"github.com/blacktop/sdxly/internal/transport"
)

// defaultSeedMax bounds random seeds when the config leaves SeedMax unset.
const defaultSeedMax = 10000

var (
	// ErrBusy is returned by Submit while a generation is still running.
	ErrBusy = errors.New("a generation is already running")
	// ErrEmptyPrompt is returned by Submit for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoSession is returned by Wait before anything was submitted.
	ErrNoSession = errors.New("no generation submitted")
)

// View is what the UI renders.
type View struct {
	Busy         bool
	Phase        session.Phase
	Progress     float64
	Step         int
	Steps        int
	Status       string
	Images       []assemble.Image
	ErrorMessage string
	ErrorKind    session.Kind
	Elapsed      time.Duration
	Prompt       string
	Seed         int
}

func project(st session.State, prompt string, seed int) View {
	v := View{
		Busy:     st.Phase != session.Idle && !st.Phase.Terminal(),
		Phase:    st.Phase,
		Progress: st.Progress,
		Step:     st.Step,
		Steps:    st.Steps,
		Status:   st.Status,
		Images:   st.Images,
		Elapsed:  st.Elapsed(),
		Prompt:   prompt,
		Seed:     seed,
	}
	if st.Err != nil {
		v.ErrorMessage = st.Err.Message
		v.ErrorKind = st.Err.Kind
	}
	return v
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithAssembler(a session.Assembler) Option {
	return func(c *Controller) { c.assembler = a }
}

// WithSeed replaces the random seed source.
func WithSeed(fn func() int) Option {
	return func(c *Controller) { c.seed = fn }
}

// Controller runs at most one generation at a time.
type Controller struct {
	cfg       *config.Config
	dialer    transport.Dialer
	assembler session.Assembler
	logger    *log.Logger
	seed      func() int

	mu      sync.Mutex
	current *session.Session

	vmu     sync.RWMutex
	active  uint64 // generation whose views are published
	last    View
	updates chan View
}

func New(cfg *config.Config, dialer transport.Dialer, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		dialer:  dialer,
		updates: make(chan View, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.assembler == nil {
		c.assembler = assemble.New(cfg.MIMEType, cfg.VerifyImages)
	}
	if c.seed == nil {
		seedMax := cfg.SeedMax
		if seedMax <= 0 {
			seedMax = defaultSeedMax
		}
		c.seed = func() int { return rand.IntN(seedMax) }
	}
	return c
}

// Submit starts a generation for prompt with a fresh random seed. It fails
// with ErrBusy, leaving the running session alone, if the previous one has
// not finished.
func (c *Controller) Submit(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if phase := c.current.Snapshot().Phase; !phase.Terminal() {
			c.logger.Warn("Ignoring prompt, generation still running", "phase", phase)
			return ErrBusy
		}
	}

	seed := c.seed()
	req := c.cfg.Request(prompt, seed)

	// views from the previous session are dropped from here on
	c.vmu.Lock()
	c.active++
	gen := c.active
	c.vmu.Unlock()

	s := session.New(c.cfg.Endpoint, c.dialer,
		session.WithLogger(c.logger),
		session.WithAssembler(c.assembler),
		session.WithObserver(func(st session.State) {
			c.publish(gen, project(st, prompt, seed))
		}),
	)
	c.logger.Debug("Submitting prompt", "prompt", prompt, "seed", seed)
	if err := s.Start(ctx, req); err != nil {
		return err
	}
	c.current = s
	return nil
}

// Cancel aborts the running generation, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Wait blocks until the current generation reaches a terminal phase.
func (c *Controller) Wait(ctx context.Context) (View, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return View{}, ErrNoSession
	}
	if _, err := s.Wait(ctx); err != nil {
		return c.View(), err
	}
	return c.View(), nil
}

// View returns the latest projection.
func (c *Controller) View() View {
	c.vmu.RLock()
	defer c.vmu.RUnlock()
	return c.last
}

// Updates delivers views as they change. Slow readers only see the newest
// view; the last view of a generation is never dropped.
func (c *Controller) Updates() <-chan View {
	return c.updates
}

func (c *Controller) publish(gen uint64, v View) {
	c.vmu.Lock()
	defer c.vmu.Unlock()
	if gen != c.active {
		return
	}
	c.last = v

	select {
	case c.updates <- v:
		return
	default:
	}
	// replace the stale view nobody read yet
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- v:
	default:
	}
}
