package app

import (
	"fmt"
	"slices"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	CommandServe   Command = "serve"
	CommandWorker  Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandAdmin はゲートウェイ経由のユーザー管理。DBには接続しない。
	CommandAdmin Command = "admin"
)

// commands は受け付けるサブコマンドの一覧。usage表示の順序でもある。
var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck, CommandAdmin}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空ならCommandServeを返す。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd := Command(args[0])
	if !slices.Contains(commands, cmd) {
		return "", fmt.Errorf("unknown command %q (want %s)", args[0], commandList())
	}
	return cmd, nil
}

func commandList() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
