// Package ingest turns uploaded or on-disk payloads into validated events.
// Every event in a batch is checked before any of them reaches the pipeline.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

// ErrEmptyBatch is returned when the input carries no events at all.
var ErrEmptyBatch = eris.New("ingest: empty batch")

// Decode reads either a single event object or an array of events from r
// and normalizes each one.
func Decode(r io.Reader) ([]model.Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmptyBatch
		}
		return nil, eris.Wrap(err, "ingest: read")
	}

	var events []model.Event
	switch first {
	case '{':
		var ev model.Event
		if err := json.NewDecoder(br).Decode(&ev); err != nil {
			return nil, wrapDecode(err, 0)
		}
		events = append(events, ev)
	case '[':
		events, err = decodeArray(br)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Wrapf(model.ErrMalformedEvent, "payload starts with %q", first)
	}

	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	for i := range events {
		if err := events[i].Normalize(); err != nil {
			return nil, eris.Wrapf(err, "ingest: event %d", i)
		}
	}
	return events, nil
}

// DecodeBytes is Decode over an in-memory payload.
func DecodeBytes(b []byte) ([]model.Event, error) {
	return Decode(bytes.NewReader(b))
}

func decodeArray(r io.Reader) ([]model.Event, error) {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "ingest: read opening token")
	}

	var events []model.Event
	for dec.More() {
		var ev model.Event
		if err := dec.Decode(&ev); err != nil {
			return nil, wrapDecode(err, len(events))
		}
		events = append(events, ev)
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrapf(model.ErrMalformedEvent, "ingest: unterminated array: %v", err)
	}
	return events, nil
}

func wrapDecode(err error, idx int) error {
	if eris.Is(err, model.ErrMalformedEvent) {
		return eris.Wrapf(err, "ingest: event %d", idx)
	}
	return eris.Wrapf(model.ErrMalformedEvent, "ingest: event %d: %v", idx, err)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF:
			// UTF-8 byte order mark.
			if rest, err := br.Peek(2); err == nil && rest[0] == 0xBB && rest[1] == 0xBF {
				_, _ = br.Discard(2)
				continue
			}
			return b, nil
		}
		return b, br.UnreadByte()
	}
}
