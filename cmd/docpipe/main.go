package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. SIGINT / SIGTERM 取消 context，讓執行中的模組寫下 checkpoint 後退出
// 3. 把錯誤轉成退出碼（0 成功, 1 執行失敗, 2 配置錯誤, 130 使用者中斷）
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/docpipe/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.BuildCLI().ExecuteContext(ctx)
	code := cli.ExitCode(err)
	if err != nil {
		if code == cli.ExitInterrupted {
			fmt.Fprintf(os.Stderr, "Interrupted: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return code
}
