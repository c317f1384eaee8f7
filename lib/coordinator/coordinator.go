/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package coordinator implements the Redis-backed contracts shared by all
// workers: the task queue, the blob store holding file bytes, and the
// per-request event streams.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/defaults"
)

const (
	// taskQueue is the sorted set of pending requests, scored by absolute
	// expiry in epoch seconds.
	taskQueue = "tasks"

	// dataPrefix keys the append-only byte queues holding file data.
	dataPrefix = "data:"

	// eventPrefix keys the per-request event streams.
	eventPrefix = "event:"

	// FIN terminates a request's event stream. Exactly one is appended
	// per handled request.
	FIN = "FIN"
)

// Config configures the coordinator client.
type Config struct {
	// Addr is the host:port of the coordinator Redis instance.
	Addr string
	// DB selects the Redis logical database.
	DB int
	// PoolSize caps the client connection pool.
	PoolSize int
	// ReadTimeout bounds a single blocking read.
	ReadTimeout time.Duration
	// Logger emits coordinator diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		c.Addr = defaults.CoordinatorAddr
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaults.CoordinatorPoolSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.CoordinatorReadTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.With(dissect.ComponentKey, dissect.ComponentCoordinator)
	}
	return nil
}

// Client talks to the coordinator Redis instance. It is shared by every
// worker process operating on the same queue and is safe for concurrent
// use.
type Client struct {
	cfg Config
	rdb redis.UniversalClient
}

// NewClient connects to the coordinator and verifies it responds.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, trace.Wrap(err, "pinging coordinator at %v", cfg.Addr)
	}
	return &Client{cfg: cfg, rdb: rdb}, nil
}

// Close releases the client's connections.
func (c *Client) Close() error {
	return trace.Wrap(c.rdb.Close())
}

// AppendData appends one chunk to the byte queue under pointer and extends
// the queue's TTL to expireAt. The append and the TTL update travel in one
// transaction so a chunk can never outlive its request.
func (c *Client) AppendData(ctx context.Context, pointer string, chunk []byte, expireAt time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, dataPrefix+pointer, chunk)
	pipe.ExpireAt(ctx, dataPrefix+pointer, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return trace.Wrap(err, "appending data for %v", pointer)
	}
	return nil
}

// DrainData pops every chunk under pointer in FIFO order and returns the
// concatenation. Draining is destructive: a second drain of the same
// pointer yields nothing.
func (c *Client) DrainData(ctx context.Context, pointer string) ([]byte, error) {
	var data []byte
	for {
		chunk, err := c.rdb.LPop(ctx, dataPrefix+pointer).Bytes()
		switch {
		case err == nil:
			data = append(data, chunk...)
		case err == redis.Nil:
			return data, nil
		default:
			return nil, trace.Wrap(err, "draining data for %v", pointer)
		}
	}
}

// PushTask enqueues a scan request for the file under pointer, due until
// expireAt. Producers must append the file's bytes under the same pointer
// before pushing.
func (c *Client) PushTask(ctx context.Context, pointer string, expireAt time.Time) error {
	err := c.rdb.ZAdd(ctx, taskQueue, redis.Z{
		Score:  float64(expireAt.Unix()),
		Member: pointer,
	}).Err()
	return trace.Wrap(err, "enqueueing task %v", pointer)
}

// Task is one pending scan request popped off the queue.
type Task struct {
	// Pointer is the blob store key of the request's root bytes, and the
	// request's identity.
	Pointer string
	// ExpireAt is the request's absolute deadline.
	ExpireAt time.Time
}

// PopTask removes and returns the earliest-deadline pending request.
// An empty queue returns a not found error without blocking.
func (c *Client) PopTask(ctx context.Context) (*Task, error) {
	popped, err := c.rdb.ZPopMin(ctx, taskQueue, 1).Result()
	if err != nil {
		return nil, trace.Wrap(err, "popping task")
	}
	if len(popped) == 0 {
		return nil, trace.NotFound("no tasks pending")
	}
	pointer, ok := popped[0].Member.(string)
	if !ok {
		return nil, trace.BadParameter("malformed task member %T", popped[0].Member)
	}
	return &Task{
		Pointer:  pointer,
		ExpireAt: time.Unix(int64(popped[0].Score), 0),
	}, nil
}

// AppendEvent appends one serialized event record to the request's stream
// and extends the stream's TTL to expireAt.
func (c *Client) AppendEvent(ctx context.Context, rootID string, event []byte, expireAt time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, eventPrefix+rootID, event)
	pipe.ExpireAt(ctx, eventPrefix+rootID, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return trace.Wrap(err, "appending event for %v", rootID)
	}
	return nil
}

// Finalize terminates the request's event stream with the FIN sentinel.
// Called exactly once per handled request.
func (c *Client) Finalize(ctx context.Context, rootID string, expireAt time.Time) error {
	return trace.Wrap(c.AppendEvent(ctx, rootID, []byte(FIN), expireAt))
}

// FollowEvents blocks on the request's event stream, invoking fn for every
// record in order until FIN arrives or ctx expires. The FIN sentinel
// itself is not passed to fn.
func (c *Client) FollowEvents(ctx context.Context, rootID string, fn func(event []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		reply, err := c.rdb.BLPop(ctx, c.cfg.ReadTimeout, eventPrefix+rootID).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return trace.Wrap(err, "following events for %v", rootID)
		}
		// reply is [key, value]
		if len(reply) != 2 {
			return trace.BadParameter("malformed BLPOP reply of length %v", len(reply))
		}
		if reply[1] == FIN {
			return nil
		}
		if err := fn([]byte(reply[1])); err != nil {
			return trace.Wrap(err)
		}
	}
}
