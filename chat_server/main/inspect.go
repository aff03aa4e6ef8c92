package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"chatrelay/chat_server/db"
	"chatrelay/chat_server/rdb"
)

const (
	defaultHistoryCount = 10
	defaultRankCount    = 5
	inspectTimeout      = 5 * time.Second
)

var forceInit bool

// historyCmd 输出 Redis 镜像中最近的聊天记录
var historyCmd = &cobra.Command{
	Use:   "history [count]",
	Short: "Print the last lines of the Redis history mirror",
	Long: `history reads the chat history copied to Redis by a running (or the last) server.
The redis section of the config is used even when the mirror is disabled there.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

// rankCmd 输出发言最多的用户
var rankCmd = &cobra.Command{
	Use:   "rank [count]",
	Short: "Print the most active senders counted by the Redis mirror",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRank,
}

// auditCmd 输出某个会话的审计记录
var auditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Print the join and part events of one session from the MySQL audit",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server configuration file",
}

// configInitCmd 把当前生效的配置（默认值、环境变量覆盖之后）写入配置文件
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration to a YAML file (default: --config)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(historyCmd, rankCmd, auditCmd, configCmd)
}

// countArg 解析可选的数量参数
// 参数:
//   - args: 命令行剩余参数，最多一个
//   - fallback: 未给出参数时使用的数量
//
// 返回值:
//   - 正整数数量；参数不是正整数时返回错误
func countArg(args []string, fallback int64) (int64, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("count must be a positive number, got %q", args[0])
	}
	return n, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, inspectTimeout)
}

func runHistory(cmd *cobra.Command, args []string) error {
	count, err := countArg(args, defaultHistoryCount)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	mirror, err := rdb.NewMirror(ctx, mirrorOptions())
	if err != nil {
		return err
	}
	defer mirror.Close()

	lines, err := mirror.History(ctx, count)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), lines)
}

func runRank(cmd *cobra.Command, args []string) error {
	count, err := countArg(args, defaultRankCount)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	mirror, err := rdb.NewMirror(ctx, mirrorOptions())
	if err != nil {
		return err
	}
	defer mirror.Close()

	rank, err := mirror.Rank(ctx, count)
	if err != nil {
		return err
	}
	return printRank(cmd.OutOrStdout(), rank)
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	audit, err := db.OpenSessionAudit(ctx, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	defer audit.Close()

	events, err := audit.Events(ctx, args[0])
	if err != nil {
		return err
	}
	return printEvents(cmd.OutOrStdout(), args[0], events)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !forceInit {
		return errors.Errorf("%s already exists, use --force to overwrite it", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
	return nil
}

func printHistory(w io.Writer, lines []string) error {
	if len(lines) == 0 {
		_, err := fmt.Fprintln(w, "no chat history")
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// printRank 按 "Rank N: 用户名 (M lines)" 的格式输出活跃度排名
func printRank(w io.Writer, rank []rdb.RankEntry) error {
	if len(rank) == 0 {
		_, err := fmt.Fprintln(w, "no activity recorded")
		return err
	}
	for i, entry := range rank {
		if _, err := fmt.Fprintf(w, "Rank %d: %s (%d lines)\n", i+1, entry.Name, entry.Lines); err != nil {
			return err
		}
	}
	return nil
}

func printEvents(w io.Writer, sessionID string, events []db.AuditEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintf(w, "no audit events for session %s\n", sessionID)
		return err
	}
	for _, e := range events {
		detail := e.Remote
		if e.Event == "part" {
			detail = e.Name + " " + e.Reason
		}
		if _, err := fmt.Fprintf(w, "%s %-4s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05.000"), e.Event, detail); err != nil {
			return err
		}
	}
	return nil
}
