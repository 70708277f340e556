package wire

// Encoder builds frames. The zero value encodes the headered variant with
// message id 0; NewEncoder selects the variant. Not safe for concurrent
// use; each runtime owns exactly one outbound encoder.
type Encoder struct {
	headerless bool
	nextID     uint16

	// Header identity fields for the headered variant.
	Sender        byte
	Receiver      byte
	SenderGroup   byte
	ReceiverGroup byte
	Flags         byte
}

// NewEncoder creates an encoder. The headerless form produces the compact
// `STX name US data EOT` frames used by smaller deployments; both forms
// decode symmetrically.
func NewEncoder(headerless bool) *Encoder {
	return &Encoder{headerless: headerless, Sender: 1}
}

// Encode frames a named event with its payload, escaping every reserved
// control byte in the header, name and payload sections. The headered
// variant's 16-bit message id auto-increments per call and wraps.
func (e *Encoder) Encode(name string, data []byte) []byte {
	out := make([]byte, 0, len(name)+len(data)+headerLen*2+4)

	if !e.headerless {
		out = append(out, SOH)
		out = e.encodeHeader(out)
		e.nextID++
	}

	out = append(out, STX)
	for i := 0; i < len(name); i++ {
		out = stuff(out, name[i])
	}
	out = append(out, US)
	for _, b := range data {
		out = stuff(out, b)
	}
	return append(out, EOT)
}

// encodeHeader appends the stuffed fixed header: each field is escaped
// individually so a field value colliding with a control byte cannot break
// framing. The message id is emitted big-endian.
func (e *Encoder) encodeHeader(out []byte) []byte {
	out = stuff(out, e.Sender)
	out = stuff(out, e.Receiver)
	out = stuff(out, e.SenderGroup)
	out = stuff(out, e.ReceiverGroup)
	out = stuff(out, e.Flags)
	out = stuff(out, byte(e.nextID>>8))
	out = stuff(out, byte(e.nextID&0xFF))
	return out
}

// MessageID returns the id the next Encode call will use.
func (e *Encoder) MessageID() uint16 {
	return e.nextID
}
