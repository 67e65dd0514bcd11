// Package chat keeps a conversation with a system prompt and memory of
// earlier turns, rendering it through a prompt template for each request.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/23skdu/corellm/internal/config"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/runtime"
)

type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Generator runs a request on a session. *runtime.Runtime implements it.
type Generator interface {
	Generate(ctx context.Context, sh runtime.SessionHandle, req generation.Request) (<-chan generation.Event, error)
}

// Options configures a Conversation.
type Options struct {
	SystemPrompt string
	Template     string
	// Request supplies MaxTokens, sampling, extra stop strings and context
	// shifting for every turn. Its Prompt is ignored.
	Request generation.Request
}

// Conversation is a chat bound to one session.
type Conversation struct {
	mu       sync.Mutex
	gen      Generator
	session  runtime.SessionHandle
	template Template
	system   string
	memory   []Message
	base     generation.Request
}

// New starts a conversation whose memory holds only the system prompt.
func New(gen Generator, sh runtime.SessionHandle, o Options) (*Conversation, error) {
	if o.SystemPrompt == "" {
		o.SystemPrompt = config.DefaultSystemPrompt
	}
	if o.Template == "" {
		o.Template = "chatml"
	}
	tmpl, err := TemplateByName(o.Template)
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		gen:      gen,
		session:  sh,
		template: tmpl,
		system:   o.SystemPrompt,
		base:     o.Request,
	}
	c.memory = []Message{{Role: System, Content: c.system}}
	return c, nil
}

// Template returns the prompt template in use.
func (c *Conversation) Template() Template { return c.template }

// Chat sends msg with the full conversation and streams the reply. When the
// reply completes, both turns are added to memory; a cancelled or failed
// reply leaves memory unchanged.
func (c *Conversation) Chat(ctx context.Context, msg string) (<-chan generation.Event, error) {
	c.mu.Lock()
	msgs := append(append([]Message(nil), c.memory...), Message{Role: User, Content: msg})
	c.mu.Unlock()

	return c.run(ctx, msgs, func(reply string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.memory = append(c.memory,
			Message{Role: User, Content: msg},
			Message{Role: Assistant, Content: reply})
	})
}

// Prompt sends msg without recording it. With useMemory false only the
// system prompt accompanies it.
func (c *Conversation) Prompt(ctx context.Context, msg string, useMemory bool) (<-chan generation.Event, error) {
	c.mu.Lock()
	var msgs []Message
	if useMemory {
		msgs = append(msgs, c.memory...)
	} else {
		msgs = append(msgs, Message{Role: System, Content: c.system})
	}
	c.mu.Unlock()
	msgs = append(msgs, Message{Role: User, Content: msg})
	return c.run(ctx, msgs, nil)
}

// ChatText is Chat collected into a string.
func (c *Conversation) ChatText(ctx context.Context, msg string) (string, error) {
	ch, err := c.Chat(ctx, msg)
	if err != nil {
		return "", err
	}
	return Collect(ch)
}

// PromptText is Prompt collected into a string.
func (c *Conversation) PromptText(ctx context.Context, msg string, useMemory bool) (string, error) {
	ch, err := c.Prompt(ctx, msg, useMemory)
	if err != nil {
		return "", err
	}
	return Collect(ch)
}

// Collect drains a stream and returns its text. A failed stream returns its
// error and a cancelled one context.Canceled, along with the partial text.
func Collect(ch <-chan generation.Event) (string, error) {
	var b strings.Builder
	var err error
	for e := range ch {
		switch e.Kind {
		case generation.TokenEmitted:
			b.WriteString(e.Text)
		case generation.FailedEvent:
			err = e.Err
		case generation.CancelledEvent:
			err = context.Canceled
		}
	}
	return b.String(), err
}

func (c *Conversation) run(ctx context.Context, msgs []Message, onComplete func(string)) (<-chan generation.Event, error) {
	req := c.base
	req.Prompt = c.template.Render(msgs)
	req.Stop = append(append([]string(nil), c.template.Stop...), c.base.Stop...)
	req.AddSpecial = true
	req.ParseSpecial = true

	in, err := c.gen.Generate(ctx, c.session, req)
	if err != nil {
		return nil, err
	}
	out := make(chan generation.Event, cap(in))
	go func() {
		defer close(out)
		var reply strings.Builder
		for e := range in {
			if e.Kind == generation.TokenEmitted {
				reply.WriteString(e.Text)
			}
			if e.Kind == generation.CompletedEvent && onComplete != nil {
				onComplete(strings.TrimSpace(reply.String()))
			}
			out <- e
		}
	}()
	return out, nil
}

// ClearMemory forgets every turn but the system prompt.
func (c *Conversation) ClearMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = []Message{{Role: System, Content: c.system}}
}

// SetMemory replaces the conversation history. A leading system message also
// becomes the system prompt.
func (c *Conversation) SetMemory(msgs []Message) error {
	for i, m := range msgs {
		switch m.Role {
		case System, User, Assistant:
		default:
			return errs.Errorf(errs.InvalidConfig, "chat.set_memory", "message %d has unknown role %q", i, m.Role)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = append([]Message(nil), msgs...)
	if len(msgs) > 0 && msgs[0].Role == System {
		c.system = msgs[0].Content
	}
	return nil
}

// Memory returns a copy of the conversation history.
func (c *Conversation) Memory() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.memory...)
}

// SystemPrompt returns the current system prompt.
func (c *Conversation) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// SetSystemPrompt changes the system prompt, replacing the first memory
// entry when it is a system message. The new prompt also becomes the one
// ClearMemory restores and Prompt uses without memory.
func (c *Conversation) SetSystemPrompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = s
	if len(c.memory) > 0 && c.memory[0].Role == System {
		c.memory[0].Content = s
		return
	}
	c.memory = append([]Message{{Role: System, Content: s}}, c.memory...)
}

// MarshalMemory encodes the history as JSON.
func (c *Conversation) MarshalMemory() ([]byte, error) {
	return json.MarshalIndent(c.Memory(), "", "  ")
}

// UnmarshalMemory replaces the history with JSON produced by MarshalMemory.
func (c *Conversation) UnmarshalMemory(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return errs.Wrap(errs.InvalidConfig, "chat.unmarshal_memory", err)
	}
	if err := c.SetMemory(msgs); err != nil {
		return err
	}
	logger.Log.Debug("conversation memory restored", "messages", len(msgs))
	return nil
}

// IsCancelled reports whether err came from a cancelled reply.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
