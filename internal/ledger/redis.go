package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream key used when the URL names none.
const DefaultStream = "codeloop:iterations"

// RedisLedger appends entries to a Redis stream. XADD inside MULTI/EXEC
// keeps one iteration's rows contiguous under concurrent writers.
type RedisLedger struct {
	client redis.UniversalClient
	stream string

	mu    sync.Mutex
	ready bool
}

func NewRedis(client redis.UniversalClient, stream string) *RedisLedger {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisLedger{client: client, stream: stream}
}

// OpenRedis parses a redis:// URL. A "stream" query parameter selects the
// stream key; every other parameter is handed to go-redis.
func OpenRedis(ctx context.Context, rawURL string) (*RedisLedger, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse redis url: %w", err)
	}
	q := u.Query()
	stream := q.Get("stream")
	q.Del("stream")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("ledger: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger: ping redis: %w", err)
	}
	return NewRedis(client, stream), nil
}

// Stream returns the stream key.
func (l *RedisLedger) Stream() string { return l.stream }

func (l *RedisLedger) columnsKey() string { return l.stream + ":columns" }

func (l *RedisLedger) ensureHeader(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}
	if err := l.client.SetNX(ctx, l.columnsKey(), strings.Join(Columns, ","), 0).Err(); err != nil {
		return fmt.Errorf("ledger: write columns: %w", err)
	}
	l.ready = true
	return nil
}

func entryValues(e Entry) map[string]any {
	return map[string]any{
		"iteration": strconv.Itoa(e.Iteration),
		"filename":  e.Filename,
		"timestamp": formatTime(e.Timestamp),
		"run_id":    e.RunID,
	}
}

func (l *RedisLedger) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.ensureHeader(ctx); err != nil {
		return err
	}
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: l.stream, Values: entryValues(e)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: xadd %s: %w", l.stream, err)
	}
	return nil
}

func (l *RedisLedger) Entries(ctx context.Context) ([]Entry, error) {
	msgs, err := l.client.XRange(ctx, l.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: xrange %s: %w", l.stream, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := entryFromValues(m.Values)
		if err != nil {
			return nil, fmt.Errorf("ledger: message %s: %w", m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *RedisLedger) EntriesForRun(ctx context.Context, runID string) ([]Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRun(entries, runID), nil
}

func entryFromValues(values map[string]any) (Entry, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	iter, err := strconv.Atoi(str("iteration"))
	if err != nil {
		return Entry{}, fmt.Errorf("bad iteration %q", str("iteration"))
	}
	ts, err := parseTime(str("timestamp"))
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp %q", str("timestamp"))
	}
	return Entry{RunID: str("run_id"), Iteration: iter, Filename: str("filename"), Timestamp: ts}, nil
}

func (l *RedisLedger) Close() error { return l.client.Close() }
