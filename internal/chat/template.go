package chat

import (
	"sort"
	"strings"

	"github.com/23skdu/corellm/internal/errs"
)

// Template renders a conversation into a prompt that ends where the
// assistant's reply begins.
type Template struct {
	Name   string
	Stop   []string
	render func(b *strings.Builder, msgs []Message)
}

// Render formats msgs.
func (t Template) Render(msgs []Message) string {
	var b strings.Builder
	t.render(&b, msgs)
	return b.String()
}

var templates = map[string]Template{
	"chatml": {
		Name: "chatml",
		Stop: []string{"<|im_end|>"},
		render: func(b *strings.Builder, msgs []Message) {
			for _, m := range msgs {
				b.WriteString("<|im_start|>")
				b.WriteString(string(m.Role))
				b.WriteString("\n")
				b.WriteString(m.Content)
				b.WriteString("<|im_end|>\n")
			}
			b.WriteString("<|im_start|>assistant\n")
		},
	},
	"llama2": {
		Name: "llama2",
		Stop: []string{"[INST]"},
		render: func(b *strings.Builder, msgs []Message) {
			system := ""
			open := false
			for _, m := range msgs {
				switch m.Role {
				case System:
					system = m.Content
				case User:
					if open {
						b.WriteString(" [/INST]")
					}
					b.WriteString("[INST] ")
					if system != "" {
						b.WriteString("<<SYS>>\n" + system + "\n<</SYS>>\n\n")
						system = ""
					}
					b.WriteString(m.Content)
					open = true
				case Assistant:
					if open {
						b.WriteString(" [/INST] ")
						open = false
					}
					b.WriteString(m.Content)
					b.WriteString(" ")
				}
			}
			if open {
				b.WriteString(" [/INST]")
			}
		},
	},
	"plain": {
		Name: "plain",
		Stop: []string{"\nUser:"},
		render: func(b *strings.Builder, msgs []Message) {
			for _, m := range msgs {
				switch m.Role {
				case System:
					b.WriteString(m.Content)
				case User:
					b.WriteString("User: " + m.Content)
				case Assistant:
					b.WriteString("Assistant: " + m.Content)
				}
				b.WriteString("\n")
			}
			b.WriteString("Assistant:")
		},
	},
}

// TemplateByName returns a registered template.
func TemplateByName(name string) (Template, error) {
	t, ok := templates[name]
	if !ok {
		return Template{}, errs.Errorf(errs.InvalidConfig, "chat.template", "unknown template %q (have %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames lists the registered templates.
func TemplateNames() []string {
	out := make([]string, 0, len(templates))
	for name := range templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
