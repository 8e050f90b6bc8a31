package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

// requeueBackoff throttles WaitResponse when it keeps popping other callers' envelopes.
const requeueBackoff = 50 * time.Millisecond

// RedisQueue moves JSON messages over two Redis lists: requests are
// consumed from the ask list with BLPOP and envelopes are appended to the
// response list with RPUSH.
type RedisQueue struct {
	rdb           *redis.Client
	askQueue      string
	responseQueue string
}

func NewRedisQueue(cfg config.RedisConfig) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg.AskQueue, cfg.ResponseQueue)
}

func NewWithClient(rdb *redis.Client, askQueue, responseQueue string) *RedisQueue {
	if askQueue == "" {
		askQueue = config.DefaultAskQueue
	}
	if responseQueue == "" {
		responseQueue = config.DefaultResponseQueue
	}
	return &RedisQueue{rdb: rdb, askQueue: askQueue, responseQueue: responseQueue}
}

func (q *RedisQueue) AskQueue() string      { return q.askQueue }
func (q *RedisQueue) ResponseQueue() string { return q.responseQueue }

// Pop waits up to wait for the next request. It returns nil, nil when the
// wait elapses with nothing queued.
func (q *RedisQueue) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	return q.pop(ctx, q.askQueue, wait)
}

// PopResponse takes the oldest envelope from the response list.
func (q *RedisQueue) PopResponse(ctx context.Context, wait time.Duration) ([]byte, error) {
	return q.pop(ctx, q.responseQueue, wait)
}

func (q *RedisQueue) pop(ctx context.Context, key string, wait time.Duration) ([]byte, error) {
	res, err := q.rdb.BLPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transport("queue.pop", err)
	}
	// BLPOP replies [key, value]
	if len(res) != 2 {
		return nil, errs.Transport("queue.pop", errors.New("malformed BLPOP reply"))
	}
	return []byte(res[1]), nil
}

// Push appends an envelope to the response list.
func (q *RedisQueue) Push(ctx context.Context, v interface{}) error {
	return q.push(ctx, q.responseQueue, v)
}

// PushRequest enqueues a request on the ask list.
func (q *RedisQueue) PushRequest(ctx context.Context, v interface{}) error {
	return q.push(ctx, q.askQueue, v)
}

func (q *RedisQueue) push(ctx context.Context, key string, v interface{}) error {
	var payload []byte
	switch t := v.(type) {
	case []byte:
		payload = t
	case string:
		payload = []byte(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = b
	}
	if err := q.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return errs.Transport("queue.push", err)
	}
	return nil
}

// WaitResponse pops envelopes until one carries queryID. Envelopes for
// other queries are pushed back to the tail of the response list.
func (q *RedisQueue) WaitResponse(ctx context.Context, queryID string, wait time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		msg, err := q.pop(ctx, q.responseQueue, time.Second)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if gjson.GetBytes(msg, "query_id").String() == queryID {
			return msg, nil
		}
		logger.Debugf("queue: requeueing envelope for another query")
		if err := q.push(context.Background(), q.responseQueue, msg); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(requeueBackoff):
		}
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return errs.Transport("queue.ping", err)
	}
	return nil
}

// Pending reports the number of requests waiting on the ask list.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.askQueue).Result()
	if err != nil {
		return 0, errs.Transport("queue.pending", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
