// Package hotkey turns OS-global key combos into engine commands. The
// bridge listens system-wide, so the operator can start and stop the current
// workflow while another application has focus.
package hotkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/mfields/calder/internal/config"
)

// Command is what a bound combo emits onto the control queue.
type Command string

const (
	CmdRun        Command = "run"
	CmdStop       Command = "stop"
	CmdMacroStart Command = "macro_start"
	CmdMacroStop  Command = "macro_stop"
)

// Listener is the hotkey source. The global implementation registers with
// the OS; tests inject a fake.
type Listener interface {
	// Start registers the bindings and begins emitting. It returns after
	// registration; emission continues until ctx is cancelled or Close.
	Start(ctx context.Context) error
	// Commands is the emission channel.
	Commands() <-chan Command
	// Close unregisters the bindings.
	Close()
}

// Binding pairs one combo string with the command it emits.
type Binding struct {
	Combo   string
	Command Command
}

// BindingsFromConfig lists the configured combos, skipping empty ones.
func BindingsFromConfig(cfg config.HotkeyConfig) []Binding {
	all := []Binding{
		{cfg.Run, CmdRun},
		{cfg.Stop, CmdStop},
		{cfg.MacroStart, CmdMacroStart},
		{cfg.MacroStop, CmdMacroStop},
	}
	out := all[:0]
	for _, b := range all {
		if b.Combo != "" {
			out = append(out, b)
		}
	}
	return out
}

// Combo is a parsed key combination.
type Combo struct {
	Modifiers []string // normalized: ctrl, shift, alt
	Key       string   // single letter or digit
}

// ParseCombo parses "ctrl+shift+r" style combo strings. The last token is
// the key, everything before it a modifier.
func ParseCombo(s string) (Combo, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return Combo{}, fmt.Errorf("hotkey: combo %q needs at least one modifier", s)
	}

	var c Combo
	for _, m := range parts[:len(parts)-1] {
		switch m {
		case "ctrl", "control":
			c.Modifiers = append(c.Modifiers, "ctrl")
		case "shift":
			c.Modifiers = append(c.Modifiers, "shift")
		case "alt", "option":
			c.Modifiers = append(c.Modifiers, "alt")
		default:
			return Combo{}, fmt.Errorf("hotkey: unknown modifier %q in %q", m, s)
		}
	}

	key := parts[len(parts)-1]
	if len(key) != 1 {
		return Combo{}, fmt.Errorf("hotkey: key %q in %q must be a single letter or digit", key, s)
	}
	r := rune(key[0])
	if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
		return Combo{}, fmt.Errorf("hotkey: unsupported key %q in %q", key, s)
	}
	c.Key = key
	return c, nil
}
