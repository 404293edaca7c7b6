package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface.
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("Printernizer service starting")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	if err := runCoordinator(p.ctx, p.configPath); err != nil {
		if p.svcLogger != nil {
			p.svcLogger.Errorf("Printernizer exited with error: %v", err)
		}
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("Printernizer service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-time.After(30 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Printernizer service stopped with timeout")
		}
	}
	return nil
}

// getServiceConfig returns the service configuration for the current platform.
func getServiceConfig(configPath string) *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "Printernizer")
	case "darwin":
		workingDir = "/Library/Application Support/Printernizer"
	default:
		workingDir = "/var/lib/printernizer"
	}

	return &service.Config{
		Name:             "Printernizer",
		DisplayName:      "Printernizer",
		Description:      "Real-time 3D printer fleet coordinator. Monitors Bambu Lab and Prusa printers, tracks jobs, and manages print files.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"-config", configPath, "-service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// handleServiceCommand runs one service control verb and exits on failure.
func handleServiceCommand(cmd, configPath string) {
	svcConfig := getServiceConfig(configPath)
	prg := &program{configPath: configPath}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		if err := s.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service installed. Use '-service start' to start it.")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled.")
	case "start":
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service started.")
	case "stop":
		if err := s.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service stopped.")
	case "restart":
		if err := s.Restart(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to restart service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Service restarted.")
	case "status":
		status, err := s.Status()
		if err != nil {
			fmt.Printf("Service is not installed (%v)\n", err)
			return
		}
		switch status {
		case service.StatusRunning:
			fmt.Println("Service is running.")
		case service.StatusStopped:
			fmt.Println("Service is installed but not running.")
		default:
			fmt.Println("Service status unknown.")
		}
	case "run":
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Service run failed: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command: %s\n", cmd)
		fmt.Println("Valid commands: install, uninstall, start, stop, restart, status, run")
		os.Exit(1)
	}
}
