package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Encoder writes frames to a session's outbound byte stream.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 4096)}
}

// WriteCommand writes a client→server command frame and flushes it.
func (e *Encoder) WriteCommand(tag, name string, args List) error {
	if _, err := fmt.Fprintf(e.w, "%s %s", tag, name); err != nil {
		return err
	}
	if err := e.writeArgs(args); err != nil {
		return err
	}
	if _, err := e.w.WriteString("\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteTagged writes a tagged completion response and flushes it.
func (e *Encoder) WriteTagged(tag string, status Status, text string) error {
	if _, err := fmt.Fprintf(e.w, "%s %s", tag, status); err != nil {
		return err
	}
	if text != "" {
		if _, err := fmt.Fprintf(e.w, " %s", text); err != nil {
			return err
		}
	}
	if _, err := e.w.WriteString("\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteUntagged writes an untagged "* ..." frame (fetch data, list data,
// notifications) and flushes it.
func (e *Encoder) WriteUntagged(args List) error {
	if _, err := e.w.WriteString("*"); err != nil {
		return err
	}
	if err := e.writeArgs(args); err != nil {
		return err
	}
	if _, err := e.w.WriteString("\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteContinuation writes "+ Ready for literal data (expecting N
// bytes)\n" and flushes it — the receiver must send this before the peer
// may write the announced literal's bytes.
func (e *Encoder) WriteContinuation(n int64) error {
	_, err := fmt.Fprintf(e.w, "+ Ready for literal data (expecting %d bytes)\n", n)
	if err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteLiteralHeader announces an upcoming literal's length; the bytes
// follow with WriteLiteralData.
func (e *Encoder) WriteLiteralHeader(n int64) error {
	if _, err := fmt.Fprintf(e.w, " {%d}\n", n); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteLiteralData writes exactly len(data) raw bytes for a previously
// announced literal.
func (e *Encoder) WriteLiteralData(data []byte) error {
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) writeArgs(args List) error {
	for _, a := range args {
		if _, err := e.w.WriteString(" "); err != nil {
			return err
		}
		if err := e.writeToken(a); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeToken(t Token) error {
	switch v := t.(type) {
	case Atom:
		_, err := e.w.WriteString(string(v))
		return err
	case QuotedString:
		_, err := e.w.WriteString(quote(string(v)))
		return err
	case NilToken:
		_, err := e.w.WriteString("NIL")
		return err
	case List:
		if _, err := e.w.WriteString("("); err != nil {
			return err
		}
		for i, item := range v {
			if i > 0 {
				if _, err := e.w.WriteString(" "); err != nil {
					return err
				}
			}
			if err := e.writeToken(item); err != nil {
				return err
			}
		}
		_, err := e.w.WriteString(")")
		return err
	case Literal:
		// Literals are written inline: the header, then the bytes, with
		// no wait for a continuation from the peer. Part data sent by
		// the streamer goes out this way.
		if err := e.WriteLiteralHeader(int64(len(v))); err != nil {
			return err
		}
		return e.WriteLiteralData(v)
	default:
		return fmt.Errorf("protocol: unknown token type %T", t)
	}
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// Int renders an integer as an Atom token.
func Int(n int64) Atom { return Atom(strconv.FormatInt(n, 10)) }

// Str renders a Go string as a QuotedString token.
func Str(s string) QuotedString { return QuotedString(s) }
