package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// A Sink stores records. Sinks are write-only: nothing in a twin depends on
// reading a record back.
//
// Write may be called concurrently.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// SinkFunc adapts an ordinary function into a Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Write(ctx context.Context, r Record) error { return f(ctx, r) }

// Filter returns a Sink writing to s only the records of the given kinds.
func Filter(s Sink, kinds ...Kind) Sink {
	kinds = slices.Clone(kinds)
	return SinkFunc(func(ctx context.Context, r Record) error {
		if !slices.Contains(kinds, r.Kind) {
			return nil
		}
		return s.Write(ctx, r)
	})
}

// Memory keeps records in memory, in the order they were written. The
// zero-value Memory is ready for use.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func (m *Memory) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Records returns the records written so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// Of returns the records of the given kind written so far.
func (m *Memory) Of(k Kind) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []Record
	for _, r := range m.records {
		if r.Kind == k {
			rs = append(rs, r)
		}
	}
	return rs
}

// Len returns the number of records written so far.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Topic sends records, gob encoded, to a pubsub topic.
//
// Bodies and metadata values travel as interface values, so their concrete
// types must be registered with gob.Register before a record is written.
type Topic struct {
	topic *pubsub.Topic
}

// NewTopic returns a Sink sending to the given topic. The caller keeps the
// ownership of the topic and shuts it down.
func NewTopic(topic *pubsub.Topic) *Topic {
	return &Topic{topic: topic}
}

func (t *Topic) Write(ctx context.Context, r Record) error {
	ctx, span := tracer.Start(ctx, "storage.Topic.Write", trace.WithAttributes(
		attribute.String("twin.id", r.TwinID),
		attribute.String("record.kind", string(r.Kind)),
	))
	defer span.End()

	logger := component.Logger(ctx)
	logger.Debug("Encoding record using gob...", slog.String("record-id", r.ID.String()))
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(r); err != nil {
		err := fmt.Errorf("encode gob: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// The twin id is included as metadata on the message to enable key-based
	// partitioning, keeping the records of a twin in order.
	msg := &pubsub.Message{
		Body: b.Bytes(),
		Metadata: map[string]string{
			"twinID":   r.TwinID,
			"kind":     string(r.Kind),
			"recordID": r.ID.String(),
		},
	}
	if err := t.topic.Send(ctx, msg); err != nil {
		err := fmt.Errorf("send: %w", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("Record sent successfully", slog.String("record-id", r.ID.String()))
	return nil
}

// DecodeRecord decodes the body of a message sent by a Topic sink.
func DecodeRecord(body []byte) (Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&r); err != nil {
		return Record{}, fmt.Errorf("decode gob: %w", err)
	}
	return r, nil
}
