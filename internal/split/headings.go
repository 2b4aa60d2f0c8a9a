package split

import "strings"

// headingEvent is one heading occurrence: byte offset of the heading
// line, level 1-6, and the heading text.
type headingEvent struct {
	offset int
	level  int
	text   string
}

// scanHeadings indexes ATX ("# Title") and Setext ("Title\n===") headings
// in reading order. Content must already have \n line endings.
func scanHeadings(content string) []headingEvent {
	var events []headingEvent
	lines := strings.Split(content, "\n")

	offset := 0
	prevOffset := -1
	prevLine := ""
	prevWasHeading := false

	for _, line := range lines {
		if level, text, ok := parseATX(line); ok {
			events = append(events, headingEvent{offset: offset, level: level, text: text})
			prevWasHeading = true
		} else if level, ok := parseSetextUnderline(line); ok &&
			prevOffset >= 0 && !prevWasHeading && strings.TrimSpace(prevLine) != "" {
			events = append(events, headingEvent{
				offset: prevOffset,
				level:  level,
				text:   strings.TrimSpace(prevLine),
			})
			prevWasHeading = true
		} else {
			prevWasHeading = false
		}
		prevOffset = offset
		prevLine = line
		offset += len(line) + 1
	}
	return events
}

// parseATX matches "#{1,6} text".
func parseATX(line string) (level int, text string, ok bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i < 1 || i > 6 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	text = strings.TrimSpace(line[i+1:])
	if text == "" {
		return 0, "", false
	}
	return i, text, true
}

// parseSetextUnderline matches a run of "=" (level 1) or "-" (level 2).
func parseSetextUnderline(line string) (level int, ok bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 {
		return 0, false
	}
	switch {
	case strings.Count(trimmed, "=") == len(trimmed):
		return 1, true
	case strings.Count(trimmed, "-") == len(trimmed):
		return 2, true
	}
	return 0, false
}

// stackWalker replays heading events in offset order, maintaining the
// title stack: a heading of level L pops the stack to depth L-1 and
// pushes its text. Chunk starts must be queried in ascending order.
type stackWalker struct {
	events []headingEvent
	next   int
	stack  []string
	levels []int
}

func newStackWalker(events []headingEvent) *stackWalker {
	return &stackWalker{events: events}
}

// stackAt returns the title stack in effect at the given offset,
// including any heading that starts exactly there.
func (w *stackWalker) stackAt(offset int) []string {
	for w.next < len(w.events) && w.events[w.next].offset <= offset {
		ev := w.events[w.next]
		w.next++
		for len(w.levels) > 0 && w.levels[len(w.levels)-1] >= ev.level {
			w.levels = w.levels[:len(w.levels)-1]
			w.stack = w.stack[:len(w.stack)-1]
		}
		w.levels = append(w.levels, ev.level)
		w.stack = append(w.stack, ev.text)
	}
	out := make([]string, len(w.stack))
	copy(out, w.stack)
	return out
}
