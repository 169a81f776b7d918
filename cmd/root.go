/*
Copyright © 2024-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/blacktop/sdxly/internal/config"
	"github.com/blacktop/sdxly/internal/controller"
	"github.com/blacktop/sdxly/internal/session"
	"github.com/blacktop/sdxly/internal/transport"
)

const debugLogFile = "sdxly-debug.log"

var (
	// flags
	logger       *log.Logger
	verbose      bool
	noTUI        bool
	prompt       string
	size         string
	steps        int
	samples      int
	endpoint     string
	mimeType     string
	outputFolder string
	envFile      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sdxly",
	Short: "Streaming SDXL image generator TUI",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// flags
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		cfg, err := config.Load(envFile)
		if err != nil {
			logger.Error("Failed to load config", "err", err)
			os.Exit(1)
		}
		if err := applyFlags(cmd, cfg); err != nil {
			logger.Error("Invalid flag", "err", err)
			os.Exit(1)
		}
		// validate
		if err := cfg.Validate(); err != nil {
			logger.Error("Invalid config", "err", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// run
		if noTUI {
			if err := runHeadless(ctx, cfg, prompt); err != nil {
				logger.Error("Generation failed", "err", err)
				os.Exit(1)
			}
			return
		}

		// the alt screen owns the terminal, so logs go to a file or nowhere
		if verbose {
			f, err := os.OpenFile(debugLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Error("Failed to open debug log", "err", err)
				os.Exit(1)
			}
			defer f.Close()
			log.SetOutput(f)
		} else {
			log.SetOutput(io.Discard)
		}

		gen := controller.New(cfg, transport.NewWSDialer(), controller.WithLogger(log.Default()))
		p := tea.NewProgram(newModel(ctx, gen, &tuiConfig{
			Prompt:       prompt,
			OutputFolder: cfg.OutputFolder,
		}), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Error("Error running program", "err", err)
			os.Exit(1)
		}
		gen.Cancel()
	},
}

// applyFlags overrides the loaded config with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("size") {
		if err := cfg.SetSize(size); err != nil {
			return err
		}
	}
	if flags.Changed("steps") {
		cfg.Steps = steps
	}
	if flags.Changed("samples") {
		cfg.Samples = samples
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = endpoint
	}
	if flags.Changed("mime") {
		cfg.MIMEType = mimeType
	}
	if flags.Changed("output") {
		cfg.OutputFolder = outputFolder
	}
	return nil
}

// runHeadless generates images for a single prompt and writes them to the
// output folder without starting the TUI.
func runHeadless(ctx context.Context, cfg *config.Config, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return controller.ErrEmptyPrompt
	}
	gen := controller.New(cfg, transport.NewWSDialer(), controller.WithLogger(log.Default()))
	if err := gen.Submit(ctx, prompt); err != nil {
		return err
	}

	lastStep := -1
	for v := range gen.Updates() {
		if v.Phase == session.Streaming && v.Step != lastStep {
			lastStep = v.Step
			log.Info("Generating", "step", v.Step+1, "steps", v.Steps, "progress", fmt.Sprintf("%.0f%%", v.Progress))
		}
		if v.Phase.Terminal() {
			break
		}
	}

	// already terminal, ctx may be cancelled by now
	v, err := gen.Wait(context.Background())
	if err != nil {
		return err
	}
	if v.Phase == session.Failed {
		return fmt.Errorf("%s: %s", v.ErrorKind, v.ErrorMessage)
	}
	paths, err := saveImages(v.Images, v.Prompt, cfg.OutputFolder)
	if err != nil {
		return err
	}
	log.Info("Done", "images", len(paths), "seed", v.Seed, "elapsed", v.Elapsed)
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Override the default error level style.
	styles := log.DefaultStyles()
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR!!").
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color("204")).
		Foreground(lipgloss.Color("0"))
	// Add a custom style for key `err`
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true)
	logger = log.New(os.Stderr)
	logger.SetStyles(styles)

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "V", false, "Verbose output")
	rootCmd.Flags().BoolVar(&noTUI, "no-tui", false, "Generate once for --prompt and exit")
	rootCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt for image generation")
	rootCmd.Flags().StringVarP(&size, "size", "s", "1024x1024", fmt.Sprintf("Image size (%s)", strings.Join(config.ValidSizes, ", ")))
	rootCmd.Flags().IntVar(&steps, "steps", 40, "Number of diffusion steps")
	rootCmd.Flags().IntVar(&samples, "samples", 4, "Number of images per prompt")
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Websocket endpoint (overrides SDXLY_ENDPOINT env_var)")
	rootCmd.Flags().StringVar(&mimeType, "mime", "image/jpeg", "MIME type of the returned images")
	rootCmd.Flags().StringVarP(&outputFolder, "output", "o", "", "Output folder")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "Dotenv file to load")
	rootCmd.MarkFlagDirname("output")
	rootCmd.MarkFlagFilename("env-file")
}
