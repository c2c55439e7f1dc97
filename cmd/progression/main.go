// Command progression はXP台帳・ランク・ミッション・バッジ・オンボーディングを提供する進捗サービス。
//
// サブコマンド:
//
//	serve        APIサーバーを起動する（デフォルト）
//	worker       台帳の突き合わせジョブを定期実行する
//	reconcile    台帳の突き合わせを1回だけ実行する
//	migrate      データベースマイグレーションを適用する
//	healthcheck  /health を確認する（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/progression/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
