package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// inFlightTTL bounds how long a crashed replica can hold a learner's slot.
const inFlightTTL = 2 * time.Minute

// releaseScript frees the in-flight slot only while it still holds this
// request's token, then starts the window when the request completed.
// KEYS: in-flight, window. ARGV: token, completed ("1"/"0"), window ms.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
if ARGV[2] == "1" then
	redis.call("SET", KEYS[2], "1", "PX", ARGV[3])
end
return 0
`)

// Redis is a Gate shared by every API replica. The in-flight slot is a
// SET NX key holding a per-request token; the quiet window is a second key
// with a PX expiry.
type Redis struct {
	rdb    goredis.UniversalClient
	window time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedis returns a gate over rdb. A non-positive window uses DefaultWindow.
func NewRedis(rdb goredis.UniversalClient, window time.Duration, logger *slog.Logger) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, window: window, prefix: "nudge:", logger: logger}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cooldown: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cooldown: redis ping: %w", err)
	}
	return rdb, nil
}

func (r *Redis) inFlightKey(id int64) string {
	return r.prefix + "inflight:" + strconv.FormatInt(id, 10)
}

func (r *Redis) windowKey(id int64) string {
	return r.prefix + "cooldown:" + strconv.FormatInt(id, 10)
}

func (r *Redis) Acquire(ctx context.Context, learnerID int64) (Release, error) {
	if err := r.checkWindow(ctx, learnerID); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.inFlightKey(learnerID), token, inFlightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("cooldown: acquire learner %d: %w", learnerID, err)
	}
	if !ok {
		return nil, &Error{LearnerID: learnerID, InFlight: true}
	}

	// Another replica may have completed between the window check and SETNX.
	if err := r.checkWindow(ctx, learnerID); err != nil {
		r.release(ctx, learnerID, token, false)
		return nil, err
	}

	var once sync.Once
	return func(completed bool) {
		once.Do(func() { r.release(ctx, learnerID, token, completed) })
	}, nil
}

func (r *Redis) checkWindow(ctx context.Context, learnerID int64) error {
	ttl, err := r.rdb.PTTL(ctx, r.windowKey(learnerID)).Result()
	if err != nil {
		return fmt.Errorf("cooldown: check learner %d: %w", learnerID, err)
	}
	// PTTL reports missing keys as negative durations.
	if ttl > 0 {
		return &Error{LearnerID: learnerID, Remaining: ttl}
	}
	return nil
}

// release runs detached from the request: a client that hung up must still
// free its slot. A slot that expired and was taken by another request is
// left alone.
func (r *Redis) release(ctx context.Context, learnerID int64, token string, completed bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	flag := "0"
	if completed {
		flag = "1"
	}
	keys := []string{r.inFlightKey(learnerID), r.windowKey(learnerID)}
	if err := releaseScript.Run(ctx, r.rdb, keys, token, flag, r.window.Milliseconds()).Err(); err != nil {
		r.logger.Error("cooldown: release failed",
			"learner_id", learnerID,
			"completed", completed,
			"error", err,
		)
	}
}
