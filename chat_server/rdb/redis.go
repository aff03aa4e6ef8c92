package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"chatrelay/tools"
)

const (
	// ChatStreamKey is the stream holding a copy of the chat history
	ChatStreamKey = "chat_history_stream"

	// ChatRankKey is the sorted set counting lines per sender
	ChatRankKey = "chat_activity_rank"

	// DefaultHistoryMaxLen caps the stream when Options.HistoryMaxLen is not set
	DefaultHistoryMaxLen = 1000

	pingTimeout = 5 * time.Second
)

// Options configures a Mirror.
type Options struct {
	Addr          string // host:port of the Redis server
	Password      string // empty when the server has no password
	DB            int
	HistoryMaxLen int64 // approximate cap of the history stream
}

// Mirror copies every accepted chat line into Redis: the line goes to a capped stream,
// and its sender's activity score is incremented.
// The mirror is not a persistence layer; Reset clears both keys when the server starts.
type Mirror struct {
	client *redis.Client
	maxLen int64
}

// RankEntry is one row of the activity rank.
type RankEntry struct {
	Name  string
	Lines int64
}

// NewMirror 创建一个新的 Redis 镜像实例并检查连接。
// 参数:
//   - ctx: 限制 ping 的时间，另有 5 秒超时
//   - opts: 连接地址、密码、数据库编号和历史流长度
//
// 返回值:
//   - 成功时返回连接好的 *Mirror
//   - 服务器无响应时返回错误，调用方此时不启用镜像
func NewMirror(ctx context.Context, opts Options) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connect redis %s", opts.Addr)
	}

	maxLen := opts.HistoryMaxLen
	if maxLen <= 0 {
		maxLen = DefaultHistoryMaxLen
	}
	return &Mirror{client: client, maxLen: maxLen}, nil
}

// Reset deletes the history stream and the activity rank left by a previous run.
func (m *Mirror) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, ChatStreamKey, ChatRankKey).Err(); err != nil {
		return errors.Wrap(err, "reset chat keys")
	}
	return nil
}

// Record 把一行消息写入历史流，并为发送者增加活跃度计数
// 没有发送者的消息只写入历史流，不参与排名
func (m *Mirror) Record(ctx context.Context, name, line string) error {
	_, payload, ok := tools.SplitMessage(line)
	if !ok {
		name, payload = "", line
	}

	pipe := m.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ChatStreamKey,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sender":    name,
			"content":   payload,
			"line":      line,
			"timestamp": time.Now().Format("2006-01-02 15:04:05"),
		},
	})
	if name != "" {
		pipe.ZIncrBy(ctx, ChatRankKey, 1, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "mirror chat line")
	}
	return nil
}

// History 获取聊天历史记录
// 参数:
//
//	count: 要获取的历史记录数量
//
// 返回值:
//
//	[]string: 聊天历史记录列表，按时间顺序排列，内容与转发时完全一致
//	error: 错误信息，如果获取失败则返回错误
func (m *Mirror) History(ctx context.Context, count int64) ([]string, error) {
	// newest first from Redis, reversed below
	entries, err := m.client.XRevRangeN(ctx, ChatStreamKey, "+", "-", count).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read chat history")
	}

	history := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		line, _ := entries[i].Values["line"].(string)
		history = append(history, line)
	}
	return history, nil
}

// Rank 获取用户活跃度排名
// 该函数从Redis有序集合中获取发言最多的 count 个用户
// 参数:
//   - count: 需要获取的排名数量
//
// 返回值:
//   - []RankEntry: 按消息数从多到少排列
//   - error: 操作成功返回nil，否则返回具体错误信息
func (m *Mirror) Rank(ctx context.Context, count int64) ([]RankEntry, error) {
	results, err := m.client.ZRevRangeWithScores(ctx, ChatRankKey, 0, count-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read activity rank")
	}

	rank := make([]RankEntry, 0, len(results))
	for _, z := range results {
		rank = append(rank, RankEntry{Name: fmt.Sprint(z.Member), Lines: int64(z.Score)})
	}
	return rank, nil
}

// Close closes the Redis connection pool.
func (m *Mirror) Close() error {
	return m.client.Close()
}
