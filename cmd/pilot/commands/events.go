package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/api"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

func newEventsCommand() *cobra.Command {
	var (
		limit    int
		resource string
		follow   bool
		server   string
	)

	cmd := &cobra.Command{
		Use:   "events <host>",
		Short: "Show or follow the progress events of a host",
		Long: `Without --follow, print the stored milestones of a host. With --follow,
connect to a running pilot server and stream milestones, bootstrap steps,
task runs and deployments as they happen, starting with the last --limit
milestones.`,
		Example: `  # Recent milestones
  pilot events web-1 --limit 50

  # Stream from the server
  pilot events web-1 --follow --server http://127.0.0.1:8420`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			host, err := resolveHost(ctx, a, args[0])
			if err != nil {
				return err
			}

			if !follow {
				events, err := a.store.ListEvents(ctx, engine.EventFilter{HostID: host.ID, ResourceID: resource, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), events)
				}
				return printEvents(cmd.OutOrStdout(), events)
			}

			if server == "" {
				server = a.cfg.Server.PublicURL
			}
			return streamEvents(ctx, cmd.OutOrStdout(), server, host.ID, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of stored milestones to show")
	cmd.Flags().StringVar(&resource, "resource", "", "only milestones of this resource")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events from a running server")
	cmd.Flags().StringVar(&server, "server", "", "server base URL (defaults to server.public_url)")
	return cmd
}

// streamEvents prints hub events from the server until ctx ends or the
// server closes the stream.
func streamEvents(ctx context.Context, w io.Writer, server, hostID string, replay int) error {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/hosts/" + url.PathEscape(hostID) + "/events"
	u.RawQuery = url.Values{"replay": {strconv.Itoa(replay)}}.Encode()

	header := http.Header{}
	header.Set(api.ActorHeader, cliActor())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %s", u.Redacted(), resp.Status)
		}
		return fmt.Errorf("failed to connect to %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var event telemetry.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("stream closed: %s", closeErr.Text)
			}
			return fmt.Errorf("stream failed: %w", err)
		}

		if jsonOutput {
			if err := printJSON(w, event); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(w, formatEvent(event))
	}
}

func formatEvent(event telemetry.Event) string {
	data, _ := event.Data.(map[string]any)
	field := func(key string) string {
		switch v := data[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return ""
		}
	}

	ts := event.Timestamp.Local().Format("15:04:05")
	switch event.Type {
	case telemetry.EventTypeOperation:
		line := fmt.Sprintf("%s %s %s %s/%s %s %s", ts, field("kind"), field("operation_type"),
			field("current_step"), field("total_steps"), field("milestone"), field("status"))
		if errLog := field("error_log"); errLog != "" {
			line += ": " + firstLine(errLog)
		}
		return line
	case telemetry.EventTypeBootstrap:
		return fmt.Sprintf("%s bootstrap %s/%d %s %s", ts, field("step"), len(engine.BootstrapSteps), field("name"), field("state"))
	case telemetry.EventTypeTaskRun:
		return fmt.Sprintf("%s task %s run %s exit %s", ts, field("task_id"), field("id"), orDash(field("exit_code")))
	case telemetry.EventTypeDeployment:
		return fmt.Sprintf("%s deployment %s %s@%s %s", ts, field("id"), field("branch"), shortSHA(field("commit_sha")), field("status"))
	default:
		return fmt.Sprintf("%s %s", ts, event.Type)
	}
}
