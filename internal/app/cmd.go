package app

import (
	"flag"
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は登録インターフェース（HTTP）のみを起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はトークン更新ループと検出・配送ループを起動することを示す。
	CommandWorker Command = "worker"
	// CommandAll は登録インターフェースとワーカーを1プロセスで起動することを示す。
	CommandAll Command = "all"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "all":
		return CommandAll
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// Options はコマンドライン引数の解析結果。
type Options struct {
	Command Command
	// ConfigFile は環境変数より先に読み込むdotenvファイル。空の場合は読み込まない。
	ConfigFile string
	// Debug がtrueの場合はDEBUGレベルのログを出力する。
	Debug bool
}

// ParseArgs はサブコマンドとそれに続くフラグを解析する。
// サブコマンドを省略してフラグから始まる場合はserveとして扱う。
func ParseArgs(args []string) (Options, error) {
	opts := Options{Command: ParseCommand(args)}

	rest := args
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		rest = args[1:]
	}

	fs := flag.NewFlagSet(string(opts.Command), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.ConfigFile, "cfg", "", "dotenv形式の設定ファイル")
	fs.BoolVar(&opts.Debug, "debug", false, "DEBUGレベルのログを出力する")
	if err := fs.Parse(rest); err != nil {
		return Options{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return opts, nil
}
