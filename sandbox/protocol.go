package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Frame format written by the language prelude: \x00BLK:{json}\x00
const (
	protocolPrefix = "\x00BLK:"
	protocolSuffix = "\x00"
)

// channelFault marks the single entry produced for an uncaught failure.
const channelFault = "fault"

type frame struct {
	Channel string `json:"c"`
	Text    string `json:"t"`
}

// protocolHandler decodes framed console output from the module's stdout.
// Frames are delivered in the order they were written. Text outside frames
// is reported as info lines.
type protocolHandler struct {
	emit    func(Diagnostic)
	buf     bytes.Buffer
	seq     int
	faulted bool
	fault   string
	mu      sync.Mutex
}

func newProtocolHandler(emit func(Diagnostic)) *protocolHandler {
	return &protocolHandler{emit: emit}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()
		startIdx := strings.Index(content, protocolPrefix)
		if startIdx == -1 {
			// Complete lines go out now; an unterminated line or a partial
			// frame prefix waits for the next write.
			cut := strings.LastIndexByte(content, '\n') + 1
			p.plain(content[:cut])
			p.buf.Reset()
			p.buf.WriteString(content[cut:])
			break
		}

		p.plain(content[:startIdx])

		body := content[startIdx+len(protocolPrefix):]
		endIdx := strings.Index(body, protocolSuffix)
		if endIdx == -1 {
			p.buf.Reset()
			p.buf.WriteString(content[startIdx:])
			break
		}

		p.buf.Reset()
		p.buf.WriteString(body[endIdx+len(protocolSuffix):])
		p.decode(body[:endIdx])
	}

	return len(data), nil
}

// Flush reports whatever unframed text is still buffered.
func (p *protocolHandler) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plain(p.buf.String())
	p.buf.Reset()
}

// Fault returns the message of the uncaught failure, if there was one.
func (p *protocolHandler) Fault() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fault, p.faulted
}

func (p *protocolHandler) decode(payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		p.push(ChannelInfo, payload)
		return
	}
	switch f.Channel {
	case string(ChannelInfo), string(ChannelWarn), string(ChannelError):
		p.push(Channel(f.Channel), f.Text)
	case channelFault:
		if !p.faulted {
			p.faulted = true
			p.fault = f.Text
			p.push(ChannelError, f.Text)
		}
	default:
		p.push(ChannelInfo, f.Text)
	}
}

// plain emits unframed text as info lines.
func (p *protocolHandler) plain(s string) {
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i == -1 {
			p.push(ChannelInfo, s)
			return
		}
		p.push(ChannelInfo, strings.TrimSuffix(s[:i], "\r"))
		s = s[i+1:]
	}
}

func (p *protocolHandler) push(ch Channel, text string) {
	p.seq++
	if p.emit != nil {
		p.emit(Diagnostic{Seq: p.seq, Channel: ch, Text: text})
	}
}

// report appends a host-generated entry after the program's own output.
func (p *protocolHandler) report(ch Channel, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.push(ch, text)
}
