// Package core carries process-wide identity: name, version, and the
// environment-variable naming convention the rest of the process uses.
package core

import (
	"runtime"

	"github.com/mobile-dns/resolverd/internal/common"
)

var (
	name    = "resolverd"
	version = "1.0.0"
	build   = ""
	intro   = "A per-network caching DNS stub resolver."
)

func Name() string {
	return name
}

func Version() string {
	return version
}

func VersionStatement() []string {
	return []string{
		common.Concatenate(Name(), " ", version, " ", build, "(", runtime.GOOS, "/", runtime.GOARCH, ")"),
		intro,
	}
}

// EnvKey builds the env var naming convention NAME_KEY1_KEY2... used to
// discover process configuration outside the IPC surface (log level, etc).
func EnvKey(key ...interface{}) string {
	args := make([]interface{}, 0, len(key)+1)
	args = append(args, Name())
	args = append(args, key...)
	return common.UpperString(common.SnakeCaseConcatenate(args...))
}
