package flagbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestStoreSetAndFlags(t *testing.T) {
	s := NewStore(time.Minute)
	s.Set("sess-1", "velocity_anomaly", 0)
	s.Set("sess-1", "geo_mismatch", 0)
	s.Set("sess-2", "other", 0)

	flags := s.Flags("sess-1")
	if len(flags) != 2 {
		t.Fatalf("expected 2 flags, got %v", flags)
	}
	if len(s.Flags("sess-unknown")) != 0 {
		t.Fatal("unknown session must have no flags")
	}
}

func TestStoreIgnoresBlankInput(t *testing.T) {
	s := NewStore(time.Minute)
	s.Set("", "flag", 0)
	s.Set("sess-1", "  ", 0)
	if len(s.Flags("sess-1")) != 0 {
		t.Fatal("blank flag stored")
	}
}

func TestStoreExpiry(t *testing.T) {
	s := NewStore(time.Minute)
	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	s.Set("sess-1", "short", 10*time.Second)
	s.Set("sess-1", "long", time.Hour)

	current = current.Add(30 * time.Second)
	flags := s.Flags("sess-1")
	if len(flags) != 1 || flags[0] != "long" {
		t.Fatalf("expected only long-lived flag, got %v", flags)
	}

	current = current.Add(2 * time.Hour)
	if len(s.Flags("sess-1")) != 0 {
		t.Fatal("expired flags survived")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "risk-flags", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "risk-flags"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestKafkaConsumerGuards(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}
}

type fakeFlagReader struct {
	msgs []kafka.Message
	idx  int
	err  error
}

func (f *fakeFlagReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	if f.idx >= len(f.msgs) {
		return kafka.Message{}, context.Canceled
	}
	msg := f.msgs[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeFlagReader) Close() error { return nil }

func TestRunFeedsStore(t *testing.T) {
	consumer := &KafkaConsumer{reader: &fakeFlagReader{msgs: []kafka.Message{
		{Value: []byte(`{"session_id":"sess-1","flag":"velocity_anomaly"}`)},
		{Value: []byte(`not json`)},
		{Value: []byte(`{"session_id":"sess-1","flag":"geo_mismatch","ttl_sec":600}`)},
	}}}
	store := NewStore(time.Minute)

	Run(context.Background(), consumer, store)

	flags := store.Flags("sess-1")
	if len(flags) != 2 {
		t.Fatalf("expected 2 flags after run, got %v", flags)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer := &KafkaConsumer{reader: &fakeFlagReader{err: errors.New("broker down")}}
	done := make(chan struct{})
	go func() {
		Run(ctx, consumer, NewStore(time.Minute))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancelled context")
	}
}
