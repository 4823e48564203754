// Package stomp encodes and decodes the STOMP 1.2 frames exchanged with the
// chat broker over the WebSocket connection. Each WebSocket text message
// carries exactly one frame or a bare EOL heart-beat.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Client commands.
const (
	Connect     = "CONNECT"
	Send        = "SEND"
	Subscribe   = "SUBSCRIBE"
	Unsubscribe = "UNSUBSCRIBE"
	Disconnect  = "DISCONNECT"
)

// Server commands.
const (
	Connected = "CONNECTED"
	Message   = "MESSAGE"
	Receipt   = "RECEIPT"
	Error     = "ERROR"
)

// Header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrAuthorization = "Authorization"
)

var (
	// ErrHeartbeat is returned by Parse for an EOL-only heart-beat message.
	ErrHeartbeat = errors.New("stomp: heart-beat")
	ErrMalformed = errors.New("stomp: malformed frame")
)

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, kv ...string) Frame {
	f := Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

func (f Frame) Header(name string) string {
	return f.Headers[name]
}

func (f *Frame) SetHeader(name, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[name] = value
}

// BrokerError is the content of an ERROR frame.
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body == "" {
		return "stomp broker error: " + e.Message
	}
	return fmt.Sprintf("stomp broker error: %s: %s", e.Message, e.Body)
}

// AsError converts an ERROR frame into a *BrokerError.
func (f Frame) AsError() *BrokerError {
	return &BrokerError{Message: f.Header(HdrMessage), Body: strings.TrimSpace(string(f.Body))}
}

// CONNECT and CONNECTED headers are not escaped.
func escapes(command string) bool {
	return command != Connect && command != Connected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}

// Marshal encodes f. Headers are written in sorted order; a content-length
// header is added for frames with a body.
func (f Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == HdrContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	esc := escapes(f.Command)
	for _, k := range keys {
		v := f.Headers[k]
		if esc {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		b.WriteString(HdrContentLength)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(f.Body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Parse decodes one frame. A message made only of EOLs yields ErrHeartbeat.
func Parse(data []byte) (Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return Frame{}, ErrHeartbeat
	}
	data = bytes.TrimLeft(data, "\r\n")

	headerEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd, sepLen = crlf, 4
	}
	if headerEnd < 0 {
		// A frame without headers or body: "COMMAND\n\n\x00" is the minimum.
		return Frame{}, fmt.Errorf("%w: missing header terminator", ErrMalformed)
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:headerEnd]), "\r\n", "\n"), "\n")
	f := Frame{Command: strings.TrimSpace(lines[0]), Headers: make(map[string]string, len(lines)-1)}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}

	esc := escapes(f.Command)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		if esc {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return Frame{}, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return Frame{}, err
			}
		}
		// Repeated headers: the first occurrence wins.
		if _, seen := f.Headers[k]; !seen {
			f.Headers[k] = v
		}
	}

	body := data[headerEnd+sepLen:]
	if cl, ok := f.Headers[HdrContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > len(body) {
			return Frame{}, fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
		}
		body = body[:n]
	} else if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f, nil
}
