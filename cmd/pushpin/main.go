// Command pushpin is the proxy worker core's process entry point: parse
// flags, load configuration, build the App, run it until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pushpin/pushpin/app"
	"github.com/pushpin/pushpin/config"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if flags.Version {
		fmt.Printf("pushpin %s\n", version)
		return 0
	}

	cfg := &config.Config{}
	if flags.ConfigPath != "" {
		loaded, err := config.Load(flags.ConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	if flags.IPCPrefix != "" {
		applyIPCPrefix(cfg, flags.IPCPrefix)
	}
	if flags.LogLevel > 0 {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	if flags.QuietCheck {
		if _, err := cfg.IPCFileModeValue(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	a, err := app.New(cfg, flags.Routes, flags.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return a.Run(context.Background())
}

// applyIPCPrefix prefixes every configured ipc:// endpoint with prefix,
// letting one config file run several independently-prefixed instances
// side by side (spec.md §6's --ipc-prefix).
func applyIPCPrefix(cfg *config.Config, prefix string) {
	rewrite := func(specs []string) []string {
		out := make([]string, len(specs))
		for i, s := range specs {
			out[i] = prefixIPC(s, prefix)
		}
		return out
	}
	cfg.Proxy.ConnmgrInSpecs = rewrite(cfg.Proxy.ConnmgrInSpecs)
	cfg.Proxy.ConnmgrInStreamSpecs = rewrite(cfg.Proxy.ConnmgrInStreamSpecs)
	cfg.Proxy.ConnmgrOutSpecs = rewrite(cfg.Proxy.ConnmgrOutSpecs)
	cfg.Proxy.ConnmgrClientOutSpecs = rewrite(cfg.Proxy.ConnmgrClientOutSpecs)
	cfg.Proxy.ConnmgrClientOutStreamSpecs = rewrite(cfg.Proxy.ConnmgrClientOutStreamSpecs)
	cfg.Proxy.ConnmgrClientInSpecs = rewrite(cfg.Proxy.ConnmgrClientInSpecs)
	cfg.Proxy.HandlerInspectSpec = prefixIPC(cfg.Proxy.HandlerInspectSpec, prefix)
	cfg.Proxy.HandlerAcceptSpec = prefixIPC(cfg.Proxy.HandlerAcceptSpec, prefix)
	cfg.Proxy.HandlerRetryInSpec = prefixIPC(cfg.Proxy.HandlerRetryInSpec, prefix)
	cfg.Proxy.StatsSpec = prefixIPC(cfg.Proxy.StatsSpec, prefix)
	cfg.Proxy.CommandSpec = prefixIPC(cfg.Proxy.CommandSpec, prefix)
}

func prefixIPC(spec, prefix string) string {
	const scheme = "ipc://"
	if spec == "" || len(spec) < len(scheme) || spec[:len(scheme)] != scheme {
		return spec
	}
	return scheme + prefix + spec[len(scheme):]
}
