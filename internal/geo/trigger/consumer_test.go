package trigger

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
)

type fakeProcessor struct {
	ids []int64
	err error
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, id int64) error {
	f.ids = append(f.ids, id)
	return f.err
}

func msg(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "event-location-changed", Value: []byte(value)}
}

func TestProcessOneDispatches(t *testing.T) {
	p := &fakeProcessor{}
	c := New(Config{Brokers: []string{"kafka:9092"}, Topic: "event-location-changed"}, p, slog.Default())

	err := c.ProcessOne(context.Background(), msg(`{"event_id":42,"change":"location_changed"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(p.ids) != 1 || p.ids[0] != 42 {
		t.Errorf("ids = %v", p.ids)
	}
}

func TestProcessOneDropsBadMessages(t *testing.T) {
	p := &fakeProcessor{}
	c := New(Config{Brokers: []string{"kafka:9092"}}, p, slog.Default())

	for _, v := range []string{
		`not json`,
		`{"event_id":0,"change":"location_changed"}`,
		`{"event_id":7,"change":"renamed"}`,
	} {
		if err := c.ProcessOne(context.Background(), msg(v)); err != nil {
			t.Errorf("bad message %q must be dropped, got %v", v, err)
		}
	}
	if len(p.ids) != 0 {
		t.Errorf("ids = %v, nothing should have dispatched", p.ids)
	}
}

func TestProcessOneReturnsProcessorError(t *testing.T) {
	p := &fakeProcessor{err: errors.New("store down")}
	c := New(Config{Brokers: []string{"kafka:9092"}}, p, slog.Default())

	if err := c.ProcessOne(context.Background(), msg(`{"event_id":9,"change":"location_changed"}`)); err == nil {
		t.Error("processor failure must propagate for redelivery")
	}
}

func TestDisabledWithoutBrokers(t *testing.T) {
	c := New(Config{}, &fakeProcessor{}, slog.Default())
	if c.Enabled() {
		t.Error("no brokers must disable the consumer")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("disabled start must be a no-op, got %v", err)
	}
}
