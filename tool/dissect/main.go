/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/backend"
	"github.com/gravitational/dissect/lib/config"
	"github.com/gravitational/dissect/lib/coordinator"
	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/utils"
	logutils "github.com/gravitational/dissect/lib/utils/log"

	// register the built-in scanners
	_ "github.com/gravitational/dissect/lib/scanners"
)

const appHelp = `Dissect file-scanning dispatch engine

The dissect worker pulls file-scan requests off a shared coordinator,
decomposes each file through a configurable pipeline of content scanners
and streams the findings back as a tree of JSON events.

Run one worker per core and scale out by adding processes; the
coordinator hands every request to exactly one worker.`

const defaultConfigPath = "/etc/dissect/dissect.yaml"

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

type cliConfig struct {
	// Debug enables verbose logging.
	Debug bool
	// LogFormat is text or json.
	LogFormat string
	// ConfigPath locates the backend configuration file.
	ConfigPath string
	// DiagAddr overrides the configured diagnostic listener.
	DiagAddr string
	// SubmitPath is the file handed to submit.
	SubmitPath string
	// SubmitTimeout bounds a submitted request end to end.
	SubmitTimeout time.Duration
}

// Run parses the command line and executes the selected command.
func Run(args []string) error {
	var ccfg cliConfig
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := kingpin.New("dissect", appHelp)
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&ccfg.Debug)
	app.Flag("log-format", "Log output format, 'text' or 'json'.").
		Default(logutils.FormatText).EnumVar(&ccfg.LogFormat, logutils.SupportedFormats...)

	startCmd := app.Command("start", "Start the scanning worker.")
	startCmd.Flag("config", "Path to the configuration file.").
		Short('c').Default(defaultConfigPath).StringVar(&ccfg.ConfigPath)
	startCmd.Flag("diag-addr", "Start the diagnostic service on this address.").
		StringVar(&ccfg.DiagAddr)

	submitCmd := app.Command("submit", "Submit a file for scanning and stream its events to stdout.")
	submitCmd.Flag("config", "Path to the configuration file.").
		Short('c').Default(defaultConfigPath).StringVar(&ccfg.ConfigPath)
	submitCmd.Flag("file", "The file to scan.").Short('f').Required().StringVar(&ccfg.SubmitPath)
	submitCmd.Flag("timeout", "How long the request may run end to end.").
		Default("60s").DurationVar(&ccfg.SubmitTimeout)

	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if ccfg.Debug || os.Getenv(dissect.DebugEnvVar) != "" {
		level = slog.LevelDebug
	}
	if _, err := logutils.Initialize(logutils.Config{
		Format: ccfg.LogFormat,
		Level:  level,
	}); err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(ctx, &ccfg))
	case submitCmd.FullCommand():
		return trace.Wrap(onSubmit(ctx, &ccfg))
	case versionCmd.FullCommand():
		fmt.Printf("Dissect v%v go%v\n", dissect.Version, runtime.Version())
		return nil
	default:
		return trace.BadParameter("command %q not configured", command)
	}
}

// onStart runs the worker daemon.
func onStart(ctx context.Context, ccfg *cliConfig) error {
	cfg, err := config.ReadFromFile(ccfg.ConfigPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if ccfg.DiagAddr != "" {
		cfg.Worker.DiagAddr = ccfg.DiagAddr
	}
	service, err := backend.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(service.Run(ctx))
}

// onSubmit uploads one file, enqueues it and follows its event stream
// until the terminator arrives or the deadline passes. Scanning is done by
// whatever worker picks the request up, not by this process.
func onSubmit(ctx context.Context, ccfg *cliConfig) error {
	log := logutils.NewPackageLogger(dissect.ComponentKey, dissect.ComponentSubmit)
	cfg, err := config.ReadFromFile(ccfg.ConfigPath)
	if err != nil {
		return trace.Wrap(err)
	}
	data, err := os.ReadFile(ccfg.SubmitPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, ccfg.SubmitTimeout)
	defer cancel()

	clt, err := coordinator.NewClient(ctx, coordinator.Config{
		Addr:        cfg.Coordinator.Addr,
		DB:          cfg.Coordinator.DB,
		PoolSize:    cfg.Coordinator.PoolSize,
		ReadTimeout: cfg.Coordinator.ReadTimeout.Duration(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer clt.Close()

	rootID := uuid.NewString()
	expireAt := time.Now().Add(ccfg.SubmitTimeout)
	for _, chunk := range utils.Chunks(data, defaults.UploadChunkSize) {
		if err := clt.AppendData(ctx, rootID, chunk, expireAt); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := clt.PushTask(ctx, rootID, expireAt); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Submitted scan request.",
		"request", rootID, "file", ccfg.SubmitPath, "size", humanize.Bytes(uint64(len(data))))

	err = clt.FollowEvents(ctx, rootID, func(event []byte) error {
		_, err := fmt.Println(string(event))
		return trace.Wrap(err)
	})
	return trace.Wrap(err)
}
