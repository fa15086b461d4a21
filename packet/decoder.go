package packet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ErrMalformed marks a record that could not be decoded. The decoder has
// already resynchronized at the next record boundary when it is returned.
var ErrMalformed = errors.New("malformed packet record")

// Decoder reads newline-framed packet records leniently: records may be
// concatenated on one line, no enclosing array is expected, and a garbage
// record only costs the rest of its line, never the stream.
type Decoder struct {
	r       *bufio.Reader
	pending []Packet
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next packet from the stream. It returns ErrMalformed for
// an undecodable record, io.EOF when the stream ends cleanly, and the
// underlying read error otherwise. After ErrMalformed the decoder remains
// usable, positioned at the next line.
func (d *Decoder) Next() (Packet, error) {
	if len(d.pending) > 0 {
		p := d.pending[0]
		d.pending = d.pending[1:]
		return p, nil
	}

	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		pkts, perr := decodeLine(line)
		if perr != nil {
			return nil, perr
		}
		if len(pkts) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		d.pending = pkts[1:]
		return pkts[0], nil
	}
}

// decodeLine decodes every record concatenated on one line. If the leading
// record is garbage the whole line is malformed; garbage after at least one
// good record is dropped since the next boundary is the next line.
func decodeLine(line []byte) ([]Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(line))

	var out []Packet
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(out) == 0 {
				return nil, errors.Join(ErrMalformed, err)
			}
			break
		}

		p, err := Unmarshal(raw)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		out = append(out, p)
	}

	return out, nil
}
