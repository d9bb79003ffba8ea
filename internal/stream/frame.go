package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one discrete unit of server-pushed data: newline-delimited
// id/event/data/retry fields terminated by a blank line. Unknown fields are
// ignored.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// ParseError reports a malformed frame line. The frame it belonged to is
// dropped; the connection stays up.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return "stream: malformed frame line: " + e.Line
}

// frameReader assembles frames from a wire stream. It is not safe for
// concurrent use; the client owns one per connection.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next blocks until a complete frame, a parse error, or a read error. On a
// parse error the whole frame is discarded, including fields after the bad
// line, and reading resumes at the next frame boundary.
func (fr *frameReader) next() (Frame, error) {
	var f Frame
	var data []string
	seen := false

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue // stray separator between frames
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fr.discardFrame(line)
		}
		value = strings.TrimPrefix(value, " ")

		seen = true
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			ms, convErr := strconv.Atoi(value)
			if convErr != nil {
				return Frame{}, fr.discardFrame(line)
			}
			f.Retry = time.Duration(ms) * time.Millisecond
		default:
			// unknown field, ignored
		}
	}
}

// discardFrame consumes lines until the end of the current frame so one bad
// line poisons every field of that frame, then reports the bad line.
func (fr *frameReader) discardFrame(bad string) error {
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			return &ParseError{Line: bad}
		}
	}
}
