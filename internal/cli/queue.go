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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
	"github.com/transilvlad/robin-sub003/internal/queue"
)

func init() {
	AddSubcommand(&cli.Command{
		Name:  "queue",
		Usage: "Offline retry queue inspection",
		Description: `These commands open the queue log directly and must not be used
while the server is running.
`,
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Print queued sessions, oldest first",
				Action: queueList,
			},
			{
				Name:   "flush",
				Usage:  "Attempt delivery of every queued session now, ignoring backoff",
				Action: queueFlush,
			},
		},
	})
}

func openQueue(cfg *config.Config, d queue.Deliverer) (*queue.Queue, error) {
	logger := log.Logger{Name: "queue", Debug: cfg.Debug}
	store, err := queue.OpenStore(cfg.Queue.QueueFile, logger)
	if err != nil {
		return nil, err
	}
	return queue.New(cfg, store, d, logger), nil
}

func queueList(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 2)
	}
	q, err := openQueue(cfg, nil)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer q.Close()

	sessions := q.Snapshot()
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROTOCOL\tHOST\tATTEMPTS\tLAST ATTEMPT\tRECIPIENTS")
	for _, rs := range sessions {
		host := rs.Host
		if host == "" {
			host = "(mx)"
		}
		last := "never"
		if rs.LastAttempt != 0 {
			last = time.Unix(rs.LastAttempt, 0).UTC().Format(time.RFC3339)
		}
		var rcpts []string
		for _, env := range rs.Envelopes {
			rcpts = append(rcpts, env.Recipients...)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			rs.ID, rs.Protocol, host, rs.RetryCount, rs.MaxRetries, last, strings.Join(rcpts, ","))
	}
	return w.Flush()
}

func queueFlush(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 2)
	}

	dispatcher, closeDispatch, err := buildDispatcher(cfg)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer closeDispatch()

	q, err := openQueue(cfg, dispatcher)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer q.Close()

	before := q.Len()
	q.Flush(c.Context)
	fmt.Printf("%d sessions attempted, %d still queued\n", before, q.Len())
	return nil
}
