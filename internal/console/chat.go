package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/codegen"
)

const prompt = "User > "

// Copilot runs one chat turn.
type Copilot interface {
	Generate(ctx context.Context, req agent.ChatRequest, observer codegen.Observer) (*agent.ChatResult, error)
}

// Options configures a Chat.
type Options struct {
	Copilot  Copilot
	In       io.Reader
	Out      io.Writer
	Language string
	UserID   string
	// SessionID defaults to a random id, giving each run a fresh history.
	SessionID string
	Render    CodeRenderer
	// Interrupt cancels the turn in flight without ending the chat.
	Interrupt <-chan struct{}
	// Verbose also annotates generated drafts.
	Verbose bool
}

// Chat is the read/generate/print loop.
type Chat struct {
	opts Options
	ann  *Annotator
}

// New validates opts and returns a chat.
func New(opts Options) (*Chat, error) {
	if opts.Copilot == nil {
		return nil, errors.New("console: copilot is required")
	}
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("console: input and output are required")
	}
	if opts.UserID == "" {
		opts.UserID = "console"
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Render == nil {
		opts.Render = PlainRenderer
	}
	return &Chat{opts: opts, ann: NewAnnotator(opts.Out)}, nil
}

// SessionID returns the session the chat writes to.
func (c *Chat) SessionID() string {
	return c.opts.SessionID
}

// Run reads prompts until EOF, "exit" or "quit", or until ctx is done.
func (c *Chat) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.opts.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _ = io.WriteString(c.opts.Out, prompt)
		if !scanner.Scan() {
			_, _ = io.WriteString(c.opts.Out, "\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := c.turn(ctx, line); err != nil {
			return err
		}
	}
}

// turn runs one prompt. Only a cancelled parent context is returned as an
// error; everything else is reported and the chat goes on.
func (c *Chat) turn(ctx context.Context, message string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.opts.Interrupt != nil {
		go func() {
			select {
			case <-c.opts.Interrupt:
				cancel()
			case <-turnCtx.Done():
			}
		}()
	}

	result, err := c.opts.Copilot.Generate(turnCtx, agent.ChatRequest{
		Message:   message,
		Language:  c.opts.Language,
		UserID:    c.opts.UserID,
		SessionID: c.opts.SessionID,
	}, c.observe)

	switch {
	case err == nil:
		_, _ = io.WriteString(c.opts.Out, c.opts.Render(result.Code, result.Language))
		if result.Message != "" {
			c.ann.Line(LevelTrace, "%s", result.Message)
		}
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.Canceled):
		c.ann.Line(LevelWarn, "generation cancelled")
	case errors.Is(err, codegen.ErrRetryExhausted):
		attempts := 0
		if result != nil {
			attempts = result.Attempts
		}
		c.ann.List(LevelError, fmt.Sprintf("no valid code after %d attempts", attempts), codegen.FailureErrors(err))
	default:
		c.ann.Line(LevelError, "%v", err)
	}
	return nil
}

func (c *Chat) observe(e codegen.Event) {
	switch e.Kind {
	case codegen.EventAttemptStarted:
		c.ann.Line(LevelInfo, "attempting code gen: %d", e.Attempt)
	case codegen.EventGenerated:
		if c.opts.Verbose {
			c.ann.Line(LevelTrace, "draft: %s", firstLine(e.Code))
		}
	case codegen.EventGenerationFailed:
		msg := "generation failed"
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		c.ann.Line(LevelWarn, "%s", msg)
	case codegen.EventValidationFailed:
		c.ann.List(LevelWarn, "should retry: true", e.Errors)
	case codegen.EventSucceeded:
		c.ann.Line(LevelSuccess, "code validated on attempt %d", e.Attempt)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
