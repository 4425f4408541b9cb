package security

import (
	"unicode/utf8"
)

type lineAction int

const (
	actionNone lineAction = iota
	actionEnter
	actionInterrupt
)

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escSS3
)

const (
	keyCtrlC     = 0x03
	keyCtrlD     = 0x04
	keyBackspace = 0x08
	keyTab       = 0x09
	keyCtrlL     = 0x0c
	keyCtrlU     = 0x15
	keyCtrlW     = 0x17
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// lineEditor tracks the logical line a readline-style shell would submit.
// It only follows edits at the end of the line. Anything that may move the
// cursor or pull text from elsewhere (escape sequences, history, completion,
// other control keys) marks the line unverifiable.
//
// Inside a bracketed paste readline inserts every byte literally, so pasted
// control bytes are not edits: they make the line unverifiable. The pasted
// bytes are also kept as they arrived for a second rule check.
type lineEditor struct {
	line         []rune
	unverifiable bool
	esc          escState
	csi          []byte
	partial      []byte
	paste        bool
	pasted       []byte
}

func (e *lineEditor) reset() {
	e.line = e.line[:0]
	e.unverifiable = false
	e.esc = escNone
	e.csi = e.csi[:0]
	e.partial = e.partial[:0]
	e.paste = false
	e.pasted = e.pasted[:0]
}

func (e *lineEditor) text() string { return string(e.line) }

func (e *lineEditor) verifiable() bool { return !e.unverifiable }

func (e *lineEditor) pastedText() string { return string(e.pasted) }

func (e *lineEditor) empty() bool {
	return len(e.line) == 0 && !e.unverifiable && e.esc == escNone && len(e.partial) == 0 && !e.paste
}

func (e *lineEditor) step(c byte) lineAction {
	switch e.esc {
	case escStart:
		switch c {
		case '[':
			e.esc = escCSI
			e.csi = e.csi[:0]
		case 'O':
			e.esc = escSS3
		default:
			// Meta-key bindings (M-b, M-d, M-.) edit the line.
			e.esc = escNone
			e.unverifiable = true
		}
		return actionNone
	case escCSI:
		if c >= 0x40 && c <= 0x7e {
			e.esc = escNone
			switch string(e.csi) + string(c) {
			case "200~":
				e.paste = true
			case "201~":
				e.paste = false
			default:
				e.unverifiable = true
			}
			return actionNone
		}
		e.csi = append(e.csi, c)
		if len(e.csi) > 32 {
			e.esc = escNone
			e.unverifiable = true
		}
		return actionNone
	case escSS3:
		e.esc = escNone
		e.unverifiable = true
		return actionNone
	}

	if e.paste {
		if c == keyEscape {
			e.esc = escStart
			return actionNone
		}
		e.pasted = append(e.pasted, c)
		if c < 0x20 || c == keyDelete {
			e.unverifiable = true
			return actionNone
		}
	}

	if len(e.partial) > 0 || c >= utf8.RuneSelf {
		e.partial = append(e.partial, c)
		if utf8.FullRune(e.partial) {
			r, _ := utf8.DecodeRune(e.partial)
			e.partial = e.partial[:0]
			e.line = append(e.line, r)
		}
		return actionNone
	}

	switch c {
	case '\r', '\n':
		return actionEnter
	case keyCtrlC:
		return actionInterrupt
	case keyEscape:
		e.esc = escStart
	case keyBackspace, keyDelete:
		if n := len(e.line); n > 0 {
			e.line = e.line[:n-1]
		}
	case keyCtrlU:
		e.line = e.line[:0]
	case keyCtrlW:
		n := len(e.line)
		for n > 0 && e.line[n-1] == ' ' {
			n--
		}
		for n > 0 && e.line[n-1] != ' ' {
			n--
		}
		e.line = e.line[:n]
	case keyCtrlD, keyCtrlL:
		// no change to the line with the cursor at its end
	case keyTab:
		e.unverifiable = true
	default:
		if c < 0x20 {
			e.unverifiable = true
			return actionNone
		}
		e.line = append(e.line, rune(c))
	}
	return actionNone
}

// LineState is the state of a LineBuffer.
type LineState int

const (
	LineIdle LineState = iota
	LineBuffering
)

func (s LineState) String() string {
	if s == LineBuffering {
		return "buffering"
	}
	return "idle"
}

// LineBuffer filters one terminal session's keystrokes for a shell without
// a line discipline, such as one reading a pipe. Keystrokes are held until
// Enter; the resolved line is checked and only approved lines are released.
//
// A LineBuffer is not safe for concurrent use.
type LineBuffer struct {
	gate   *Gate
	caller Caller
	ed     lineEditor
}

// NewLineBuffer returns a buffer checking lines against gate on behalf of caller.
func NewLineBuffer(gate *Gate, caller Caller) *LineBuffer {
	return &LineBuffer{gate: gate, caller: caller}
}

// State reports whether a line is being typed.
func (b *LineBuffer) State() LineState {
	if b.ed.empty() {
		return LineIdle
	}
	return LineBuffering
}

// Line returns the logical line typed so far.
func (b *LineBuffer) Line() string { return b.ed.text() }

// Submit consumes keystrokes and returns the approved logical lines in
// order. On a denial the remainder of p is dropped and the lines approved
// before it are still returned.
func (b *LineBuffer) Submit(p []byte) ([]string, Decision) {
	var lines []string
	for _, c := range p {
		switch b.ed.step(c) {
		case actionEnter:
			text := b.ed.text()
			d := b.gate.checkLine(&b.ed, b.caller)
			b.ed.reset()
			if !d.Allowed {
				return lines, d
			}
			lines = append(lines, text)
		case actionInterrupt:
			b.ed.reset()
		}
	}
	return lines, Allow()
}
