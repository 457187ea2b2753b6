package kafka

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCompressionFromString(t *testing.T) {
	tests := map[string]kafkago.Compression{
		"gzip":   kafkago.Gzip,
		"GZIP":   kafkago.Gzip,
		"snappy": kafkago.Snappy,
		"lz4":    kafkago.Lz4,
		" zstd ": kafkago.Zstd,
		"":       kafkago.Snappy,
		"brotli": kafkago.Snappy,
	}
	for in, want := range tests {
		assert.Equal(t, want, CompressionFromString(in), in)
	}
}

func TestNewProducer(t *testing.T) {
	p := NewProducer(ProducerConfig{
		Brokers:      []string{"kafka-1:9092", "kafka-2:9092"},
		Topic:        "lungscreen.ingest-records",
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		Compression:  kafkago.Zstd,
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  3,
		Logger:       zaptest.NewLogger(t),
	})

	assert.Equal(t, "lungscreen.ingest-records", p.writer.Topic)
	assert.Equal(t, "tcp", p.writer.Addr.Network())
	assert.IsType(t, &kafkago.Hash{}, p.writer.Balancer)
	assert.Equal(t, kafkago.RequireAll, p.writer.RequiredAcks)
	assert.NotNil(t, p.writer.ErrorLogger)
}

func TestSortedHeaders(t *testing.T) {
	assert.Nil(t, sortedHeaders(nil))

	got := sortedHeaders(map[string]string{
		"record_id":  "abc",
		"event_type": "ingest.record.created",
	})
	require.Len(t, got, 2)
	assert.Equal(t, "event_type", got[0].Key)
	assert.Equal(t, "record_id", got[1].Key)
	assert.Equal(t, []byte("abc"), got[1].Value)
}

func TestProducerCloseWithoutWrites(t *testing.T) {
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Close(ctx))
}
