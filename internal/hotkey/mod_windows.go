//go:build windows

package hotkey

import hk "golang.design/x/hotkey"

const modAlt = hk.ModAlt
