package hotkey

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	hk "golang.design/x/hotkey"

	"github.com/mfields/calder/internal/log"
)

// GlobalListener registers combos with the OS through golang.design/x/hotkey.
// Registration and the event pump run on a locked OS thread; some platforms
// require hotkey calls to stay on the registering thread.
type GlobalListener struct {
	bindings []Binding
	commands chan Command

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewGlobal creates a listener for the given bindings.
func NewGlobal(bindings []Binding) *GlobalListener {
	return &GlobalListener{
		bindings: bindings,
		commands: make(chan Command, 8),
	}
}

// Commands implements Listener.
func (g *GlobalListener) Commands() <-chan Command { return g.commands }

// Start implements Listener. Registration errors for individual combos are
// logged and skipped so one conflicting binding does not take the rest down.
func (g *GlobalListener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	registered := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		hotkeys := make([]*hk.Hotkey, 0, len(g.bindings))
		cases := make([]binding, 0, len(g.bindings))
		for _, b := range g.bindings {
			combo, err := ParseCombo(b.Combo)
			if err != nil {
				log.Warn(log.CatHotkey, "skipping combo", "combo", b.Combo, "error", err)
				continue
			}
			mods, key, err := translate(combo)
			if err != nil {
				log.Warn(log.CatHotkey, "skipping combo", "combo", b.Combo, "error", err)
				continue
			}
			h := hk.New(mods, key)
			if err := h.Register(); err != nil {
				log.Warn(log.CatHotkey, "combo registration failed", "combo", b.Combo, "error", err)
				continue
			}
			hotkeys = append(hotkeys, h)
			cases = append(cases, binding{hk: h, cmd: b.Command})
			log.Info(log.CatHotkey, "combo registered", "combo", b.Combo, "command", b.Command)
		}

		if len(cases) == 0 {
			registered <- fmt.Errorf("hotkey: no combos registered")
			return
		}
		registered <- nil

		g.pump(ctx, cases)

		for _, h := range hotkeys {
			_ = h.Unregister()
		}
	}()

	return <-registered
}

type binding struct {
	hk  *hk.Hotkey
	cmd Command
}

// pump fans the per-hotkey keydown channels into the command channel.
func (g *GlobalListener) pump(ctx context.Context, cases []binding) {
	merged := make(chan Command)
	var wg sync.WaitGroup
	for _, c := range cases {
		wg.Add(1)
		go func(c binding) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.hk.Keydown():
					select {
					case merged <- c.cmd:
					case <-ctx.Done():
						return
					}
				}
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case cmd := <-merged:
			log.Debug(log.CatHotkey, "combo pressed", "command", cmd)
			select {
			case g.commands <- cmd:
			default:
				// A full queue means the operator is mashing keys;
				// dropping is better than blocking the OS thread.
				log.Warn(log.CatHotkey, "command queue full, dropping", "command", cmd)
			}
		}
	}
}

// Close implements Listener.
func (g *GlobalListener) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if g.cancel != nil {
		g.cancel()
	}
}

// translate maps a parsed combo onto the library's modifier and key codes.
func translate(c Combo) ([]hk.Modifier, hk.Key, error) {
	mods := make([]hk.Modifier, 0, len(c.Modifiers))
	for _, m := range c.Modifiers {
		switch m {
		case "ctrl":
			mods = append(mods, hk.ModCtrl)
		case "shift":
			mods = append(mods, hk.ModShift)
		case "alt":
			mods = append(mods, modAlt)
		}
	}
	key, ok := keyCodes[c.Key]
	if !ok {
		return nil, 0, fmt.Errorf("hotkey: no key code for %q", c.Key)
	}
	return mods, key, nil
}

var keyCodes = map[string]hk.Key{
	"a": hk.KeyA, "b": hk.KeyB, "c": hk.KeyC, "d": hk.KeyD, "e": hk.KeyE,
	"f": hk.KeyF, "g": hk.KeyG, "h": hk.KeyH, "i": hk.KeyI, "j": hk.KeyJ,
	"k": hk.KeyK, "l": hk.KeyL, "m": hk.KeyM, "n": hk.KeyN, "o": hk.KeyO,
	"p": hk.KeyP, "q": hk.KeyQ, "r": hk.KeyR, "s": hk.KeyS, "t": hk.KeyT,
	"u": hk.KeyU, "v": hk.KeyV, "w": hk.KeyW, "x": hk.KeyX, "y": hk.KeyY,
	"z": hk.KeyZ,
	"0": hk.Key0, "1": hk.Key1, "2": hk.Key2, "3": hk.Key3, "4": hk.Key4,
	"5": hk.Key5, "6": hk.Key6, "7": hk.Key7, "8": hk.Key8, "9": hk.Key9,
}
