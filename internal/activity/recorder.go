// Package activity はセキュリティ関連操作の監査ログを非同期に記録する。
// 記録は呼び出し元の結果に影響させず、失敗はローカルの診断ログにのみ出力する。
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/unitconv/internal/model"
)

const (
	defaultBufferSize = 256
	defaultTimeout    = 10 * time.Second
)

// Sink は監査ログの書き込み先。
type Sink interface {
	Write(ctx context.Context, entry model.ActivityLogEntry) error
}

// SinkFunc は関数をSinkとして扱うアダプタ。
type SinkFunc func(ctx context.Context, entry model.ActivityLogEntry) error

// Write はSinkを実装する。
func (f SinkFunc) Write(ctx context.Context, entry model.ActivityLogEntry) error {
	return f(ctx, entry)
}

// Attempt は1件の書き込み試行の結果。
type Attempt struct {
	Entry model.ActivityLogEntry
	Err   error
}

// Hook は書き込み試行ごとに呼ばれる。テストで「記録が試みられたこと」を検証するために使う。
type Hook func(Attempt)

type job struct {
	ctx   context.Context
	entry model.ActivityLogEntry
}

// Recorder はキューと1本のワーカーgoroutineで監査ログを送信する。
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	hooks   []Hook

	queue     chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	bufferSize int
}

// Option はRecorderの設定を変更する。
type Option func(*Recorder)

// WithLogger は診断ログの出力先を設定する。
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithBufferSize はキューの長さを設定する。
func WithBufferSize(n int) Option {
	return func(r *Recorder) { r.bufferSize = n }
}

// WithTimeout は1件あたりの送信タイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

// WithHook は書き込み試行のフックを追加する。
func WithHook(h Hook) Option {
	return func(r *Recorder) { r.hooks = append(r.hooks, h) }
}

// New はRecorderを生成し、ワーカーを起動する。
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:       sink,
		logger:     slog.Default(),
		timeout:    defaultTimeout,
		bufferSize: defaultBufferSize,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.bufferSize <= 0 {
		r.bufferSize = defaultBufferSize
	}
	r.queue = make(chan job, r.bufferSize)

	r.wg.Add(1)
	go r.process()

	return r
}

// Record は監査ログを非同期に記録する。呼び出し元をブロックしない。
// ctxのキャンセルは引き継がず、値（固定したアクセストークン等）のみを引き継ぐ。
// キューが満杯、またはClose後の場合は破棄して警告ログを出す。
func (r *Recorder) Record(ctx context.Context, entry model.ActivityLogEntry) {
	select {
	case <-r.done:
		r.logger.Warn("activity recorder closed, entry dropped",
			slog.String("action", string(entry.Action)),
		)
		return
	default:
	}

	select {
	case r.queue <- job{ctx: context.WithoutCancel(ctx), entry: entry}:
	default:
		r.logger.Warn("activity queue full, entry dropped",
			slog.String("action", string(entry.Action)),
			slog.String("user_id", entry.UserID),
		)
	}
}

// Close は残りのキューを送信し終えてからワーカーを停止する。複数回呼んでも安全。
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Recorder) process() {
	defer r.wg.Done()

	for {
		select {
		case j := <-r.queue:
			r.write(j)
		case <-r.done:
			for {
				select {
				case j := <-r.queue:
					r.write(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, r.timeout)
	defer cancel()

	err := r.sink.Write(ctx, j.entry)
	if err != nil {
		r.logger.Error("failed to log user activity",
			slog.String("action", string(j.entry.Action)),
			slog.String("user_id", j.entry.UserID),
			slog.String("error", err.Error()),
		)
	}

	for _, h := range r.hooks {
		h(Attempt{Entry: j.entry, Err: err})
	}
}
