package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mobile-dns/resolverd/internal/common"
	"github.com/mobile-dns/resolverd/internal/core"
	"github.com/mobile-dns/resolverd/internal/logging"
	"github.com/mobile-dns/resolverd/internal/resolvcore"
)

var (
	version     = flag.Bool("version", false, "Print version information and exit")
	logSeverity = flag.String("log-severity", "", "Override the initial log severity (VERBOSE|DEBUG|INFO|WARNING|ERROR)")
)

func printVersion() {
	for _, s := range core.VersionStatement() {
		common.Output(s)
	}
}

func initialLogSeverity() string {
	if *logSeverity != "" {
		return *logSeverity
	}
	return os.Getenv(core.EnvKey("log", "severity"))
}

// serve is the IPC loop: one JSON object per line on stdin, dispatched to
// the registry. The wire field names follow the setResolverConfiguration
// payload shape the configuration surface defines.
func serve(registry *resolvcore.Registry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			logging.Err(err).Msg("ipc: malformed payload")
			continue
		}
		if err := dispatch(registry, payload); err != nil {
			logging.Err(err).Str("op", opOf(payload)).Msg("ipc: operation failed")
		}
	}
}

func opOf(payload map[string]interface{}) string {
	op, _ := payload["op"].(string)
	return op
}

func netIDOf(payload map[string]interface{}) (int, bool) {
	f, isFloat := payload["netId"].(float64)
	if !isFloat || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func dispatch(registry *resolvcore.Registry, payload map[string]interface{}) error {
	switch opOf(payload) {
	case "createNetworkCache":
		netId, ok := netIDOf(payload)
		if !ok {
			return resolvcore.ErrInvalid
		}
		return registry.CreateNetworkCache(netId)
	case "destroyNetworkCache":
		netId, ok := netIDOf(payload)
		if !ok {
			return resolvcore.ErrInvalid
		}
		return registry.DestroyNetworkCache(netId)
	case "setResolverConfiguration":
		return registry.SetResolverConfigurationFromPayload(payload)
	case "flushNetworkCache":
		netId, ok := netIDOf(payload)
		if !ok {
			return resolvcore.ErrInvalid
		}
		return registry.FlushCache(netId)
	case "setLogSeverity":
		severity, _ := payload["severity"].(string)
		return resolvcore.SetLogSeverity(severity)
	default:
		return resolvcore.ErrInvalid
	}
}

func main() {
	flag.Parse()
	printVersion()
	if *version {
		return
	}
	if severity := initialLogSeverity(); severity != "" {
		if err := resolvcore.SetLogSeverity(severity); err != nil {
			common.ErrOutput(common.Concatenate("log: Invalid severity: ", severity))
			os.Exit(1)
		}
	}

	// The registry is the whole process: networks, their caches, stats,
	// and private DNS state all hang off it. Configuration arrives over
	// the IPC loop, which hands its decoded payloads straight to the
	// registry's methods.
	registry := resolvcore.NewRegistry()
	go serve(registry)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Teardown waits for detached validation workers before the process
	// exits so none of them observe a half-destroyed registry.
	registry.PrivateDNS.Wait()
}
