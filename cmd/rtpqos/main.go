package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/rtpqos/internal/app"
	"github.com/NodePath81/rtpqos/internal/config"
	"github.com/NodePath81/rtpqos/internal/util"
	"github.com/NodePath81/rtpqos/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runProbe(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runProbe(*configPath)
}

func runProbe(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, os.Stdout, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				os.Exit(1)
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: group %s, interval %s, output %s\n",
		cfg.Multicast.String(), cfg.Stats.Interval.Duration(), cfg.Output.Dir)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`rtpqos - multicast RTP loss and throughput probe

Usage:
  rtpqos run --config <path>   Join the group and report until interrupted
  rtpqos check --config <path> Validate config file
  rtpqos help                  Show this help
  rtpqos version               Print version

Signals:
  SIGINT, SIGTERM   stop, flush logs and leave the group
  SIGHUP            reload config and start a new session

Legacy:
  rtpqos --config <path>
  rtpqos <config-path>
`)
}
