package consumer_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ix-interface/internal/consumer"
	"github.com/omochice/ix-interface/internal/ix"
)

type published struct {
	channel string
	message []byte
}

// fakePublisher records PUBLISH calls.
type fakePublisher struct {
	calls []published
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if p.err != nil {
		cmd.SetErr(p.err)
		return cmd
	}
	data, _ := message.([]byte)
	p.calls = append(p.calls, published{channel: channel, message: data})
	cmd.SetVal(1)
	return cmd
}

func testEnvelope() ix.Envelope {
	return ix.Envelope{
		ID:      "01HZX",
		Sender:  "dev_xapp_cg",
		Mode:    ix.ModeLocal,
		Payload: map[string]any{"value_1": float64(51), "value_2": float64(93)},
	}
}

func TestRedis_Consume(t *testing.T) {
	pub := &fakePublisher{}
	c := consumer.NewRedis(pub, consumer.Channel("dev_xapp_cg"))

	require.NoError(t, c.Consume(context.Background(), testEnvelope()))
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "ix:local:dev_xapp_cg", pub.calls[0].channel)

	var msg consumer.Message
	require.NoError(t, sonic.Unmarshal(pub.calls[0].message, &msg))
	assert.Equal(t, "01HZX", msg.ID)
	assert.Equal(t, "dev_xapp_cg", msg.Sender)
	assert.Equal(t, float64(51), msg.Payload["value_1"])
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestRedis_Consume_Error(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	c := consumer.NewRedis(pub, "chan")

	err := c.Consume(context.Background(), testEnvelope())
	assert.ErrorContains(t, err, "connection refused")
}

func TestLog_Consume(t *testing.T) {
	var buf bytes.Buffer
	c := consumer.NewLog(zerolog.New(&buf))

	require.NoError(t, c.Consume(context.Background(), testEnvelope()))
	assert.Contains(t, buf.String(), `"sender":"dev_xapp_cg"`)
	assert.Contains(t, buf.String(), `"value_2":93`)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		spec      consumer.Spec
		publisher consumer.Publisher
		wantErr   bool
	}{
		{name: "log", spec: consumer.Spec{Identity: "a", Kind: consumer.KindLog}},
		{name: "default kind", spec: consumer.Spec{Identity: "a"}},
		{name: "redis", spec: consumer.Spec{Identity: "a", Kind: consumer.KindRedis}, publisher: &fakePublisher{}},
		{name: "redis without client", spec: consumer.Spec{Identity: "a", Kind: consumer.KindRedis}, wantErr: true},
		{name: "unknown kind", spec: consumer.Spec{Identity: "a", Kind: "kafka"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := consumer.New(tt.spec, tt.publisher, zerolog.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestNew_RedisChannelOverride(t *testing.T) {
	pub := &fakePublisher{}
	c, err := consumer.New(consumer.Spec{Identity: "a", Kind: consumer.KindRedis, Channel: "custom"}, pub, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Consume(context.Background(), testEnvelope()))
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "custom", pub.calls[0].channel)
}
