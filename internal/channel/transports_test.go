package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"certgate/internal/channel"
)

func TestKafkaTransportNeedsBrokers(t *testing.T) {
	if _, err := channel.NewKafkaTransport(topo, channel.KafkaOptions{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestRedisTransportUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	tr := channel.NewRedisTransport(client, topo, channel.RedisOptions{})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Ensure(ctx); err == nil {
		t.Fatal("ensure against a closed port should fail")
	}
}
