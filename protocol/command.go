package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Command names used while establishing a session
const (
	CmdClientInitIV = "clientinitiv"
	CmdInitIVExpand = "initivexpand"
	CmdClientInit   = "clientinit"
	CmdInitServer   = "initserver"
)

var ErrMalformedCommand = errors.New("malformed command")

var (
	commandEscaper = strings.NewReplacer(
		`\`, `\\`,
		`/`, `\/`,
		` `, `\s`,
		`|`, `\p`,
		"\f", `\f`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
		"\v", `\v`,
	)
	commandUnescaper = strings.NewReplacer(
		`\\`, `\`,
		`\/`, `/`,
		`\s`, ` `,
		`\p`, `|`,
		`\f`, "\f",
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
		`\v`, "\v",
	)
)

// Param is a single key=value pair of a command line
type Param struct {
	Key   string
	Value string
}

// TextCommand is a single text command carried in Command packets:
// name key=value key=value ...
type TextCommand struct {
	Name   string
	Params []Param
}

// NewCommand creates an empty command
func NewCommand(name string) *TextCommand {
	return &TextCommand{Name: name}
}

// Add appends a parameter and returns the command for chaining
func (c *TextCommand) Add(key, value string) *TextCommand {
	c.Params = append(c.Params, Param{Key: key, Value: value})
	return c
}

// Get returns the first value stored for key
func (c *TextCommand) Get(key string) (string, bool) {
	for _, p := range c.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// String renders the command with escaped values
func (c *TextCommand) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(EscapeValue(p.Value))
	}
	return b.String()
}

// Bytes renders the command as packet payload
func (c *TextCommand) Bytes() []byte {
	return []byte(c.String())
}

// ParseCommand parses a single command line. Bare keys get an empty value.
func ParseCommand(line string) (*TextCommand, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedCommand)
	}
	if strings.Contains(fields[0], "=") {
		return nil, fmt.Errorf("%w: missing command name", ErrMalformedCommand)
	}

	cmd := NewCommand(fields[0])
	for _, field := range fields[1:] {
		key, value, _ := strings.Cut(field, "=")
		if key == "" {
			return nil, fmt.Errorf("%w: empty key in %q", ErrMalformedCommand, field)
		}
		cmd.Add(key, UnescapeValue(value))
	}
	return cmd, nil
}

func EscapeValue(s string) string {
	return commandEscaper.Replace(s)
}

func UnescapeValue(s string) string {
	return commandUnescaper.Replace(s)
}
