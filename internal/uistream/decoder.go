package uistream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Record is one decoded stream record.
type Record struct {
	Type FrameType
	Data map[string]any
	Done bool
}

// Decoder reads UI message stream records from an SSE body.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: sc}
}

// Next returns the next record, or io.EOF when the body ends. Comment lines
// are skipped; multi-line data fields are joined with newlines.
func (d *Decoder) Next() (Record, error) {
	var payload strings.Builder
	hasData := false
	for d.scanner.Scan() {
		line := d.scanner.Text()
		switch {
		case line == "":
			if !hasData {
				continue
			}
			return decodePayload(payload.String())
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			if hasData {
				payload.WriteByte('\n')
			}
			payload.WriteString(value)
			hasData = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Record{}, err
	}
	if hasData {
		return decodePayload(payload.String())
	}
	return Record{}, io.EOF
}

func decodePayload(payload string) (Record, error) {
	if payload == string(Done) {
		return Record{Type: TypeDone, Done: true}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return Record{}, fmt.Errorf("uistream: decode record %q: %w", payload, err)
	}
	typ, _ := data["type"].(string)
	return Record{Type: FrameType(typ), Data: data}, nil
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := NewDecoder(r)
	var out []Record
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
