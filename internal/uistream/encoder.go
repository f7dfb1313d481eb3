package uistream

import (
	"encoding/json"
	"fmt"
)

// Encode renders f as a single SSE record: "data: <payload>\n\n". Sentinels
// are written verbatim, every other frame as JSON.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("uistream: nil frame")
	}
	var payload []byte
	if s, ok := f.(Sentinel); ok {
		payload = []byte(s)
	} else {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("uistream: marshal %s frame: %w", f.FrameType(), err)
		}
		payload = b
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}
