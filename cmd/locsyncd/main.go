package main

// ============================================================================
// 職責說明：
// 1. locsyncd 入口點
// 2. 執行 CLI 命令，錯誤時以非零狀態碼結束
// 3. 處理頂層 panic
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/locsync/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	cli.Execute()
}
