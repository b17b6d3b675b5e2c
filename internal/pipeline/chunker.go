package pipeline

import "strings"

// speechChunker slices a token stream into TTS-sized segments at natural
// boundaries. The first segment is allowed out early so playback starts
// fast; later segments wait for a fuller clause.
type speechChunker struct {
	buffer  string
	emitted bool
}

const (
	chunkFirstMin  = 24
	chunkNextMin   = 42
	chunkCutWindow = 44
)

func newSpeechChunker() *speechChunker {
	return &speechChunker{}
}

func (c *speechChunker) Push(delta string) []string {
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	c.buffer += delta
	return c.flush(false)
}

func (c *speechChunker) Finalize() []string {
	return c.flush(true)
}

func (c *speechChunker) flush(force bool) []string {
	var out []string
	for {
		minChars := chunkNextMin
		if !c.emitted {
			minChars = chunkFirstMin
		}
		segment, rest, ok := nextSegment(c.buffer, minChars, force)
		if !ok {
			break
		}
		c.buffer = rest
		segment = normalizeSegment(segment)
		if segment == "" {
			continue
		}
		c.emitted = true
		out = append(out, segment)
	}
	return out
}

func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if len(input) < minChars {
		return "", input, false
	}

	if idx := boundaryAt(input, minChars, ","); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if idx := boundaryAt(input, minChars, ".!?;:\n"); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}

	cut := whitespaceBoundary(input, minChars, chunkCutWindow)
	if cut <= 0 {
		return "", input, false
	}
	return input[:cut], input[cut:], true
}

func boundaryAt(input string, minChars int, marks string) int {
	for i := minChars - 1; i < len(input); i++ {
		if strings.IndexByte(marks, input[i]) >= 0 {
			return i
		}
	}
	return -1
}

func whitespaceBoundary(input string, minChars, window int) int {
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + window
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return minChars
}

func normalizeSegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(raw), " ")
}
