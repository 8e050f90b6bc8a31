package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", "")
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestDefaultQueueNames(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Equal(t, "hrask.ask.queue", q.AskQueue())
	assert.Equal(t, "hrask.response.queue", q.ResponseQueue())
	assert.Equal(t, config.DefaultAskQueue, q.AskQueue())
}

func TestPushRequestAndPopFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.PushRequest(ctx, map[string]string{"query_id": "a"}))
	require.NoError(t, q.PushRequest(ctx, []byte(`{"query_id":"b"}`)))

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msg, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query_id":"a"}`, string(msg))
	msg, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query_id":"b"}`, string(msg))
}

func TestPopTimeoutReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	msg, err := q.Pop(context.Background(), time.Second)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPushWritesResponseQueue(t *testing.T) {
	q, mr := newTestQueue(t)
	require.NoError(t, q.Push(context.Background(), map[string]interface{}{"query_id": "x", "success": true}))

	items, err := mr.List("hrask.response.queue")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"query_id":"x","success":true}`, items[0])
}

func TestWaitResponseRequeuesOthers(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, `{"query_id":"other"}`))
	require.NoError(t, q.Push(ctx, `{"query_id":"mine","success":true}`))

	msg, err := q.WaitResponse(ctx, "mine", 3*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query_id":"mine","success":true}`, string(msg))

	items, err := mr.List("hrask.response.queue")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"query_id":"other"}`}, items)
}

func TestTransportErrors(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()

	err := q.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTransport(err))

	_, err = q.Pop(context.Background(), time.Second)
	assert.True(t, errs.IsTransport(err))

	err = q.Push(context.Background(), "x")
	assert.True(t, errors.Is(err, errs.ErrTransport))
}
