/*
Robin Mail Server - Configurable SMTP/LMTP mail transfer agent.
Copyright © 2021-2024 Robin Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package robincli

import (
	"fmt"
	"os"
	"reflect"

	"github.com/urfave/cli/v2"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/hooks"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/dovecot"
	"github.com/transilvlad/robin-sub003/internal/endpoint/metrics"
	"github.com/transilvlad/robin-sub003/internal/endpoint/smtp"
	"github.com/transilvlad/robin-sub003/internal/proc"
	"github.com/transilvlad/robin-sub003/internal/queue"
	"github.com/transilvlad/robin-sub003/internal/remote"
)

func init() {
	AddSubcommand(&cli.Command{
		Name:   "run",
		Usage:  "Start the mail server",
		Action: run,
	})
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err, 2)
	}

	out, err := logOutput(cfg.LogOutput)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err, 2)
	}
	log.DefaultLogger.Out = out

	srv, err := assemble(cfg)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err, 2)
	}
	if err := srv.start(); err != nil {
		systemdStatusErr(err)
		srv.shutdown()
		return cli.Exit(err, 2)
	}

	systemdStatus(SDReady, "Listening for incoming connections")
	handleSignals(c.String("config"), srv)

	systemdStatus(SDStopping, "Waiting for running transactions to complete")
	srv.shutdown()
	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

// loadConfig reads the configuration file named by the global flag,
// applies the debug override and publishes the snapshot.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	log.DefaultLogger.Debug = cfg.Debug
	config.Set(cfg)
	return cfg, nil
}

// server owns the long-lived components of a robin instance, built in
// dependency order and shut down in reverse.
type server struct {
	cfg *config.Config

	queue         *queue.Queue
	closeDispatch func()
	pipeline      *proc.Pipeline
	endp          *smtp.Endpoint
	metrics       *metrics.Endpoint
}

func assemble(cfg *config.Config) (srv *server, err error) {
	srv = &server{cfg: cfg}
	defer func() {
		if err != nil {
			srv.shutdown()
		}
	}()

	dispatcher, closeDispatch, err := buildDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	srv.closeDispatch = closeDispatch

	queueLog := log.Logger{Name: "queue", Debug: cfg.Debug}
	store, err := queue.OpenStore(cfg.Queue.QueueFile, queueLog)
	if err != nil {
		return nil, err
	}
	srv.queue = queue.New(cfg, store, dispatcher, queueLog)

	srv.pipeline, err = proc.Build(cfg, srv.queue, log.Logger{Name: "proc", Debug: cfg.Debug})
	if err != nil {
		return nil, err
	}

	srv.endp, err = smtp.New(cfg, srv.pipeline, log.Logger{Name: "smtp", Debug: cfg.Debug})
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		srv.metrics = metrics.New(cfg.Metrics, log.Logger{Name: "metrics", Debug: cfg.Debug})
	}
	return srv, nil
}

func (srv *server) start() error {
	if err := srv.endp.Start(); err != nil {
		return err
	}
	srv.queue.Start()
	if srv.metrics != nil {
		if err := srv.metrics.Start(); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops what assemble built, in reverse order: accepting
// stops first so draining sessions can still enqueue, the queue and
// its store go last.
func (srv *server) shutdown() {
	if srv.endp != nil {
		if err := srv.endp.Close(); err != nil {
			log.DefaultLogger.Error("endpoint shutdown failed", err)
		}
	}
	if srv.metrics != nil {
		if err := srv.metrics.Close(); err != nil {
			log.DefaultLogger.Error("metrics shutdown failed", err)
		}
	}
	if srv.pipeline != nil {
		srv.pipeline.Close()
	}
	if srv.queue != nil {
		if err := srv.queue.Close(); err != nil {
			log.DefaultLogger.Error("queue shutdown failed", err)
		}
	}
	if srv.closeDispatch != nil {
		srv.closeDispatch()
	}
}

// buildDispatcher wires the delivery mechanisms queued sessions are
// handed to. The SMTP relay target is always present since bounces
// take that path; Dovecot deliverers only when configured. The
// returned func shuts down what was built.
func buildDispatcher(cfg *config.Config) (*queue.Dispatcher, func(), error) {
	relay, err := remote.New(cfg, log.Logger{Name: "remote", Debug: cfg.Debug})
	if err != nil {
		return nil, nil, err
	}

	d := &queue.Dispatcher{
		Relay: relay,
		Log:   log.Logger{Name: "queue", Debug: cfg.Debug},
	}
	var lmtp *dovecot.LMTP
	if cfg.Dovecot.SaveToDovecotLda {
		d.Local = dovecot.NewLDA(cfg.Dovecot, log.Logger{Name: "dovecot", Debug: cfg.Debug})
	}
	if cfg.Dovecot.LmtpEndpoint != "" {
		lmtp, err = dovecot.NewLMTP(cfg.Dovecot, cfg.Hostname, log.Logger{Name: "dovecot", Debug: cfg.Debug})
		if err != nil {
			relay.Close()
			return nil, nil, err
		}
		d.LMTP = lmtp
	}

	closeAll := func() {
		if lmtp != nil {
			lmtp.Close()
		}
		if err := relay.Close(); err != nil {
			log.DefaultLogger.Error("relay shutdown failed", err)
		}
	}
	return d, closeAll, nil
}

// reloadConfig re-reads the configuration file, publishes the new
// snapshot and runs the reload hooks. A file that fails to load or
// validate leaves the running configuration untouched. Listener
// topology, TLS material and pipeline composition are fixed at boot;
// changes there are reported and need a restart.
func reloadConfig(path string, srv *server) {
	cfg, err := config.Load(path)
	if err != nil {
		log.DefaultLogger.Error("reload failed, keeping the running configuration", err)
		return
	}

	systemdStatus(SDReloading, "Reloading configuration")
	defer systemdStatus(SDReady, "Listening for incoming connections")

	if !reflect.DeepEqual(cfg.Listeners, srv.cfg.Listeners) || cfg.TLS != srv.cfg.TLS {
		log.Println("listener and TLS changes need a restart to take effect")
	}

	config.Set(cfg)
	srv.endp.ApplyConfig(cfg)
	log.DefaultLogger.Debug = cfg.Debug
	hooks.RunHooks(hooks.EventReload)
	log.Println("configuration reloaded")
}

// logOutput maps the logOutput configuration value onto a log.Output:
// "stderr", "stderr_ts" (with timestamps), "syslog", "off" or a file
// path.
func logOutput(target string) (log.Output, error) {
	switch target {
	case "", "stderr":
		return log.WriterOutput(os.Stderr, false), nil
	case "stderr_ts":
		return log.WriterOutput(os.Stderr, true), nil
	case "syslog":
		out, err := log.SyslogOutput()
		if err != nil {
			return nil, fmt.Errorf("cannot connect to syslog daemon: %w", err)
		}
		return out, nil
	case "off":
		return log.NopOutput{}, nil
	default:
		w, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		return log.WriteCloserOutput(w, true), nil
	}
}

// reinitLogging reopens the log target so rotated files are released.
// Run on SIGUSR1.
func reinitLogging() {
	out, err := logOutput(config.Current().LogOutput)
	if err != nil {
		log.DefaultLogger.Error("log reopen failed", err)
		return
	}
	old := log.DefaultLogger.Out
	log.DefaultLogger.Out = out
	if old != nil {
		old.Close()
	}
}
