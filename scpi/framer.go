package scpi

// LineFramer assembles a raw serial byte stream into complete response
// lines. Carriage returns are dropped wherever they appear, a line feed
// terminates the line, and empty lines are swallowed so that CRLF pairs and
// keep-alive blank lines never reach the classifier.
//
// The zero value is ready to use. A LineFramer is not safe for concurrent
// use; feed it from a single goroutine.
type LineFramer struct {
	buf []byte
}

// Feed consumes one inbound byte and returns the completed line together
// with true when the byte terminates a non-empty line. The internal buffer
// grows only as far as the longest line seen and is reused afterwards.
func (f *LineFramer) Feed(c byte) (string, bool) {
	switch c {
	case '\n':
		if len(f.buf) == 0 {
			return "", false
		}
		line := string(f.buf)
		f.buf = f.buf[:0]
		return line, true
	case '\r':
		return "", false
	default:
		f.buf = append(f.buf, c)
		return "", false
	}
}
