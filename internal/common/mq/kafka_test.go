package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaMessageHeaders(t *testing.T) {
	t.Parallel()
	msg := NewMessage([]byte(`{"id":"s1"}`))
	msg.ID = "s1"
	msg.RetryCount = 2
	msg.SetHeader("x-event", "final")

	km := toKafkaMessage("judge.status.final", msg)
	if string(km.Key) != "s1" {
		t.Fatalf("expected key s1, got %q", km.Key)
	}
	back := fromKafkaMessage(km)
	if back.ID != "s1" {
		t.Fatalf("expected id s1, got %q", back.ID)
	}
	if back.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", back.RetryCount)
	}
	if back.Headers["x-event"] != "final" {
		t.Fatalf("expected custom header to survive, got %v", back.Headers)
	}
	if _, ok := back.Headers[headerID]; ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
	if !back.Timestamp.Equal(msg.Timestamp.Truncate(time.Nanosecond)) {
		t.Fatalf("expected timestamp %v, got %v", msg.Timestamp, back.Timestamp)
	}
}

func TestFromKafkaMessageFallsBackToKey(t *testing.T) {
	t.Parallel()
	back := fromKafkaMessage(kafka.Message{Key: []byte("s9"), Value: []byte("x")})
	if back.ID != "s9" {
		t.Fatalf("expected id from key, got %q", back.ID)
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want kafka.Compression
	}{
		{raw: "gzip", want: kafka.Gzip},
		{raw: "ZSTD", want: kafka.Zstd},
		{raw: "", want: kafka.Compression(0)},
		{raw: "bogus", want: kafka.Compression(0)},
	}
	for _, tt := range tests {
		if got := ParseCompression(tt.raw); got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}
