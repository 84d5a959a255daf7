package app

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はローカルAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate は直接接続用のデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// DefaultEnvFile は--env-file未指定時に読み込む.envファイル。
const DefaultEnvFile = ".env"

// Options はコマンドライン引数の解析結果。
type Options struct {
	Command Command
	EnvFile string
}

// ParseArgs はフラグとサブコマンドを解析する。
// フラグはサブコマンドの前後どちらにも置ける。
func ParseArgs(args []string) (Options, error) {
	fs := pflag.NewFlagSet("pantrypilot", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	envFile := fs.String("env-file", DefaultEnvFile, "path to a .env file loaded before reading the environment")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("invalid arguments: %w", err)
	}

	return Options{
		Command: ParseCommand(fs.Args()),
		EnvFile: *envFile,
	}, nil
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
