package reporter

import (
	"regexp"
	"strconv"
	"strings"

	"errorpipe/internal/models"
)

// Frame is one parsed stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

var (
	// Go: "\t/app/services/slack/client.go:42 +0x1d"
	goFileLine = regexp.MustCompile(`^\s+(\S+\.go):(\d+)`)
	// JS-style: "    at Slack.postMessage (/app/services/slack/index.js:10:5)"
	jsFrame = regexp.MustCompile(`^\s*at\s+(?:(.+?)\s+\()?(\S+?):(\d+)(?::\d+)?\)?$`)

	servicePath = regexp.MustCompile(`(?:^|/)services?/([^/]+)/`)
)

// ParseStack extracts frames from a Go goroutine dump or a JS-style trace.
func ParseStack(stack string) []Frame {
	lines := strings.Split(stack, "\n")
	frames := make([]Frame, 0, len(lines)/2)

	for i, line := range lines {
		if m := goFileLine.FindStringSubmatch(line); m != nil {
			fn := ""
			if i > 0 {
				fn = strings.TrimPrefix(strings.TrimSpace(lines[i-1]), "created by ")
				if idx := strings.Index(fn, " in goroutine "); idx > 0 {
					fn = fn[:idx]
				}
				if idx := strings.LastIndex(fn, "("); idx > 0 {
					fn = fn[:idx]
				}
			}
			n, _ := strconv.Atoi(m[2])
			frames = append(frames, Frame{Function: fn, File: m[1], Line: n})
			continue
		}
		if m := jsFrame.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[3])
			frames = append(frames, Frame{Function: m[1], File: m[2], Line: n})
		}
	}
	return frames
}

// InferSource returns the first frame under a service/<name>/ or
// services/<name>/ directory.
func InferSource(stack string) (models.Source, bool) {
	for _, f := range ParseStack(stack) {
		m := servicePath.FindStringSubmatch(f.File)
		if m == nil {
			continue
		}
		return models.Source{
			Service: m[1],
			Method:  shortFunction(f.Function),
			File:    f.File,
			Line:    f.Line,
		}, true
	}
	return models.Source{}, false
}

// shortFunction reduces "errorpipe/services/slack.(*Client).Post" or
// "Slack.postMessage" to "Post" / "postMessage".
func shortFunction(fn string) string {
	if fn == "" {
		return unknown
	}
	if idx := strings.LastIndex(fn, "/"); idx >= 0 {
		fn = fn[idx+1:]
	}
	if idx := strings.LastIndex(fn, "."); idx >= 0 && idx < len(fn)-1 {
		fn = fn[idx+1:]
	}
	return strings.TrimSuffix(fn, ")")
}
