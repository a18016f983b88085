package producer

import (
	"context"
	"testing"

	"presence-agent/internal/telemetry/domain"
)

func TestNewKafkaProducer_Disabled(t *testing.T) {
	if p := NewKafkaProducer(nil, "topic", nil); p != nil {
		t.Error("expected nil producer without brokers")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, "", nil); p != nil {
		t.Error("expected nil producer without topic")
	}
}

func TestKafkaProducer_NilSafe(t *testing.T) {
	var p *KafkaProducer
	if err := p.Emit(context.Background(), &domain.Event{EventType: "x"}); err != nil {
		t.Errorf("nil Emit = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
	var _ Producer = (*KafkaProducer)(nil)
}

func TestKafkaProducer_Close(t *testing.T) {
	p := NewKafkaProducer([]string{"localhost:9092"}, "presence-telemetry", nil)
	if p == nil {
		t.Fatal("producer is nil")
	}
	if err := p.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil) = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
