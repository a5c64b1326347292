package dnsfwd

import (
	"github.com/miekg/dns"
)

// DecodeQuery parses a raw DNS message from b. It fails with a *ParseError
// on truncated, malformed, or pointer-looped buffers, and also rejects
// otherwise well-formed queries that carry zero questions: every query
// downstream code processes is guaranteed to have at least one.
func DecodeQuery(b []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(m.Question) < 1 {
		return nil, &ParseError{Err: errNoQuestion}
	}
	return m, nil
}

var errNoQuestion = &noQuestionError{}

type noQuestionError struct{}

func (*noQuestionError) Error() string { return "message has no question" }

// Encode serializes m using standard RFC 1035 name compression.
func Encode(m *dns.Msg) ([]byte, error) {
	return m.Pack()
}

// EncodeMutated serializes a query m the same way Encode does, except that
// the first question's QNAME is re-encoded so that a compression pointer
// appears where naive resolvers accept it but some deep-packet-inspection
// middleboxes do not expect it: the first label is written literally,
// followed by a pointer that re-enters the name at an offset holding the
// remaining labels, which are appended as a standalone, independently
// terminated label sequence at the very end of the message, after every
// record section, so the sections themselves keep their layout.
//
// The mutation preserves wire-level semantic equivalence: a compliant
// parser follows the pointer exactly as it would any other, and
// reconstructs the identical domain name. EncodeMutated returns the
// message unmutated (packed without compression) if the question name has
// fewer than two labels (nothing to split), and falls back to a plain
// Encode if there is no question to mutate.
func EncodeMutated(m *dns.Msg) ([]byte, error) {
	if len(m.Question) == 0 {
		return Encode(m)
	}

	orig := m.Compress
	m.Compress = false
	buf, err := m.Pack()
	m.Compress = orig
	if err != nil {
		return nil, err
	}

	const headerLen = 12
	if len(buf) < headerLen {
		return buf, nil
	}

	labelLen := int(buf[headerLen])
	if labelLen == 0 || labelLen >= 0xC0 {
		// Root name or already-compressed: nothing to mutate.
		return buf, nil
	}

	nameStart := headerLen
	firstLabelEnd := nameStart + 1 + labelLen // just past [len][label...]

	// Find the end of the name (the terminating zero byte), scanning from
	// firstLabelEnd. The name must not already contain a pointer for this
	// straightforward rewrite to apply.
	tailStart := firstLabelEnd
	if tailStart >= len(buf) || buf[tailStart] == 0 {
		// Single-label name: no remaining labels to point at.
		return buf, nil
	}
	pos := tailStart
	for pos < len(buf) {
		l := int(buf[pos])
		if l == 0 {
			pos++
			break
		}
		if l >= 0xC0 {
			// Already compressed (shouldn't happen with Compress=false
			// and a single question), leave untouched.
			return buf, nil
		}
		pos += 1 + l
	}
	nameEnd := pos // one past the terminating zero byte
	if nameEnd+4 > len(buf) {
		return buf, nil
	}
	qtypeQclass := buf[nameEnd : nameEnd+4]
	tail := buf[tailStart:nameEnd] // remaining labels + terminator, standalone

	rest := buf[nameEnd+4:] // everything after the question's qtype/qclass

	out := make([]byte, 0, len(buf)+2)
	out = append(out, buf[:firstLabelEnd]...) // header + [len][label1]
	ptrOffset := firstLabelEnd + 2 /* ptr */ + 4 /* qtype+qclass */ + len(rest)
	if ptrOffset >= 0x4000 {
		// Offset doesn't fit in a 14-bit pointer; fall back untouched.
		return buf, nil
	}
	out = append(out, byte(0xC0|(ptrOffset>>8)), byte(ptrOffset&0xFF))
	out = append(out, qtypeQclass...)
	out = append(out, rest...)
	out = append(out, tail...)

	return out, nil
}
