package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEventSource is the source attribute of every exported audit event.
const CloudEventSource = "forge/kernel"

// JSONLSink writes one CloudEvents-encoded entry per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONLSink writes to w. A nil writer means stdout.
func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLSink{w: w}
}

// OpenJSONLFile appends to the file at path, creating it if needed.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONLSink{w: f, closer: f}, nil
}

// ToCloudEvent converts an entry into a CloudEvent. The chain fields travel as
// extensions so the envelope stays verifiable by consumers.
func ToCloudEvent(e Entry) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(e.ID)
	ce.SetSource(CloudEventSource)
	ce.SetType("forge.audit." + string(e.Kind))
	ce.SetSubject(e.Subject)
	ce.SetTime(e.Timestamp)
	ce.SetExtension("seq", fmt.Sprintf("%d", e.Seq))
	ce.SetExtension("prevhash", e.PrevHash)
	ce.SetExtension("hash", e.Hash)
	if err := ce.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return ce, fmt.Errorf("encode audit cloudevent: %w", err)
	}
	return ce, nil
}

func (s *JSONLSink) Append(_ context.Context, e Entry) error {
	ce, err := ToCloudEvent(e)
	if err != nil {
		return err
	}
	line, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("marshal audit cloudevent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

func (s *JSONLSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadJSONL decodes entries previously written by a JSONLSink.
func ReadJSONL(r io.Reader) ([]Entry, error) {
	dec := json.NewDecoder(r)
	var out []Entry
	for dec.More() {
		var ce cloudevents.Event
		if err := dec.Decode(&ce); err != nil {
			return nil, fmt.Errorf("decode audit line: %w", err)
		}
		var e Entry
		if err := ce.DataAs(&e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
