//go:build linux

package hotkey

import hk "golang.design/x/hotkey"

// X11 reports alt as Mod1.
const modAlt = hk.Mod1
