// Command maidconnect は認証APIサーバー・クリーンアップワーカー・マイグレーションを起動する。
//
//	maidconnect [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/maidconnect/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "maidconnect: %v\n", err)
		os.Exit(1)
	}
}
