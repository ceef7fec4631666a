package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"auditchain/internal/audit/models"
)

// DeadLetter records an event a sink never accepted.
type DeadLetter struct {
	EventID  string        `json:"event_id"`
	Sink     string        `json:"sink"`
	Error    string        `json:"error"`
	Attempts int           `json:"attempts"`
	FailedAt time.Time     `json:"failed_at"`
	Event    *models.Event `json:"event"`
}

// DeadLetterSink keeps dead letters for operators. Newest first on List.
type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// RedisDeadLetters is a capped Redis list.
type RedisDeadLetters struct {
	client redis.UniversalClient
	key    string
	cap    int64
}

const DefaultDeadLetterKey = "audit:failed:events"

func NewRedisDeadLetters(client redis.UniversalClient, capacity int64) *RedisDeadLetters {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RedisDeadLetters{client: client, key: DefaultDeadLetterKey, cap: capacity}
}

func (r *RedisDeadLetters) Write(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, raw)
	pipe.LTrim(ctx, r.key, 0, r.cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (r *RedisDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := r.client.LRange(ctx, r.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// RingDeadLetters is a bounded in-process buffer. When full, the oldest
// letters are dropped to make room for new ones.
type RingDeadLetters struct {
	mu       sync.Mutex
	letters  []DeadLetter
	head     int // next write position
	count    int
	capacity int

	dropped int64
}

func NewRingDeadLetters(capacity int) *RingDeadLetters {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingDeadLetters{
		letters:  make([]DeadLetter, capacity),
		capacity: capacity,
	}
}

func (b *RingDeadLetters) Write(_ context.Context, dl DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.count--
		b.dropped++
	}
	b.letters[b.head] = dl
	b.head = (b.head + 1) % b.capacity
	b.count++
	return nil
}

func (b *RingDeadLetters) List(_ context.Context, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	out := make([]DeadLetter, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (b.head - i + b.capacity) % b.capacity
		out = append(out, b.letters[idx])
	}
	return out, nil
}

func (b *RingDeadLetters) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns how many letters were overwritten.
func (b *RingDeadLetters) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
