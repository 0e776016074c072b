package procsup

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress is one structured progress update parsed from a transcoder's
// stderr stream.
type Progress struct {
	Elapsed time.Duration // parsed from time=HH:MM:SS.mm
	SizeKB  int64         // parsed from size=NkB
	Speed   float64       // parsed from speed=Nx
	Bitrate string        // parsed from bitrate=Nkbits/s
	Percent float64       // derived when a total duration is known; -1 otherwise
}

var (
	timeRe    = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)\s*kB`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+\s*k?bits/s)`)
)

// ProgressParser consumes stderr lines and emits structured updates. The
// transcoder rewrites its status line with carriage returns, so the caller
// splits on both newline and CR before feeding lines in.
type ProgressParser struct {
	total    time.Duration
	throttle time.Duration
	lastEmit time.Time
	current  Progress
}

// NewProgressParser creates a parser. total may be zero when the media
// duration is unknown; percent is then reported as -1. Updates are emitted at
// most once per throttle interval to keep the telemetry stream quiet.
func NewProgressParser(total, throttle time.Duration) *ProgressParser {
	return &ProgressParser{
		total:    total,
		throttle: throttle,
		current:  Progress{Percent: -1},
	}
}

// Feed consumes one stderr line. It returns the accumulated progress and
// true when a throttled update should be emitted.
func (p *ProgressParser) Feed(line string) (Progress, bool) {
	matched := false

	if m := timeRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		elapsed := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute + time.Duration(s)*time.Second
		if m[4] != "" {
			frac, _ := strconv.ParseFloat("0."+m[4], 64)
			elapsed += time.Duration(frac * float64(time.Second))
		}
		p.current.Elapsed = elapsed
		if p.total > 0 {
			pct := float64(elapsed) / float64(p.total) * 100
			if pct > 100 {
				pct = 100
			}
			p.current.Percent = pct
		}
		matched = true
	}

	if m := sizeRe.FindStringSubmatch(line); m != nil {
		p.current.SizeKB, _ = strconv.ParseInt(m[1], 10, 64)
		matched = true
	}

	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.current.Speed, _ = strconv.ParseFloat(m[1], 64)
		matched = true
	}

	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		p.current.Bitrate = strings.ReplaceAll(m[1], " ", "")
		matched = true
	}

	if !matched {
		return p.current, false
	}

	now := time.Now()
	if now.Sub(p.lastEmit) < p.throttle {
		return p.current, false
	}
	p.lastEmit = now
	return p.current, true
}

// Snapshot returns the latest accumulated progress without throttling.
func (p *ProgressParser) Snapshot() Progress { return p.current }
