// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the statsrelay daemon: it loads a TOML config,
// builds a supervisor.Supervisor from it, and serves TCP/UDP traffic
// until told to stop, reload, or hand off to a hot-restarted
// replacement.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"statsrelay/internal/relay/config"
	"statsrelay/internal/relay/listener"
	"statsrelay/internal/relay/logging"
	"statsrelay/internal/relay/supervisor"
)

// version is overwritten at build time via -ldflags for release
// builds; left as "dev" for a plain `go build`.
var version = "dev"

// quietWait is how long a hot-restarted parent keeps its old sessions
// alive after handing its listeners to the child before exiting.
const quietWait = 2 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("statsrelay", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "c", "", "path to statsrelay.toml")
	fs.StringVar(&configPath, "config", "", "path to statsrelay.toml")

	var checkConfig bool
	fs.BoolVar(&checkConfig, "t", false, "validate the config file and exit")
	fs.BoolVar(&checkConfig, "check-config", false, "validate the config file and exit")

	var verbose bool
	fs.BoolVar(&verbose, "v", false, "enable debug-level logging")
	fs.BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	var noSyslog bool
	fs.BoolVar(&noSyslog, "S", false, "log to stderr instead of syslog")
	fs.BoolVar(&noSyslog, "no-syslog", false, "log to stderr instead of syslog")

	var logLevel string
	fs.StringVar(&logLevel, "l", "info", "log level: debug, info, warn, error")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	var pidPath string
	fs.StringVar(&pidPath, "p", "", "write the process id to this file")
	fs.StringVar(&pidPath, "pid", "", "write the process id to this file")

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if showVersion {
		fmt.Println("statsrelay", version)
		return 0
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "statsrelay: -c/--config is required")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statsrelay: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "statsrelay: %v\n", err)
		return 1
	}
	if checkConfig {
		fmt.Println("statsrelay: config ok")
		return 0
	}

	if verbose {
		logLevel = "debug"
	}
	// Syslog integration is out of scope for this build; -S/--no-syslog
	// is accepted for command-line compatibility but every run logs to
	// stderr.
	_ = noSyslog
	logger := logging.NewLogrus(os.Stderr, logLevel, nil)

	if pidPath != "" {
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "statsrelay: writing pid file: %v\n", err)
			return 1
		}
		defer os.Remove(pidPath)
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "statsrelay: %v\n", err)
		return 1
	}

	tcpFD, tcpOK := listener.ParseInheritedFD(os.Getenv(listener.TCPListenerEnvVar))
	udpFD, udpOK := listener.ParseInheritedFD(os.Getenv(listener.UDPListenerEnvVar))
	if tcpOK && udpOK {
		logger.Infof("statsrelay: resuming from inherited listeners (tcp fd %d, udp fd %d)", tcpFD, udpFD)
		err = sup.ServeInherited(tcpFD, udpFD)
	} else {
		logger.Infof("statsrelay: binding %s", cfg.Statsd.Bind)
		err = sup.ListenAndServe()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "statsrelay: %v\n", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)

	for s := range sig {
		switch s {
		case syscall.SIGUSR2:
			if err := hotRestart(sup, configPath, logger); err != nil {
				logger.Errorf("statsrelay: hot restart failed: %v", err)
				continue
			}
			logger.Infof("statsrelay: handed off to replacement, draining")
			sup.StopAccepting()
			time.Sleep(quietWait)
			sup.Shutdown()
			return 0
		case syscall.SIGINT:
			logger.Infof("statsrelay: received SIGINT, stopping immediately")
			sup.Shutdown()
			return 0
		case syscall.SIGTERM:
			logger.Infof("statsrelay: received SIGTERM, draining")
			sup.StopAccepting()
			sup.Shutdown()
			return 0
		}
	}
	return 0
}

// hotRestart forks and execs the running binary with the current
// listener sockets passed down as inherited file descriptors, so the
// replacement process can start accepting before this one stops.
func hotRestart(sup *supervisor.Supervisor, configPath string, logger logging.Logger) error {
	tcpFD, udpFD, err := sup.ListenerFDs()
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	tcpFile := os.NewFile(tcpFD, "tcp-listener")
	udpFile := os.NewFile(udpFD, "udp-listener")

	cmd := exec.Command(exe, "-c", configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{tcpFile, udpFile}
	// ExtraFiles appear as fd 3, 4, ... in the child in list order.
	cmd.Env = append(os.Environ(),
		listener.TCPListenerEnvVar+"=3",
		listener.UDPListenerEnvVar+"=4",
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting replacement process: %w", err)
	}
	logger.Infof("statsrelay: started replacement process pid %d", cmd.Process.Pid)
	return nil
}
