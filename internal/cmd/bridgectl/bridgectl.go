// Package bridgectl implements the bridge command-line requester.
package bridgectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/browserbridge/internal/platform/config"
	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/client"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/tools/apikey"
	"github.com/spf13/cobra"
)

// Env holds defaults read from the environment.
type Env struct {
	URL     string        `env:"URL"     envDefault:"http://localhost:8765"`
	APIKey  string        `env:"API_KEY"`
	ConnID  string        `env:"CONN_ID"`
	Lang    string        `env:"LANG_TAG"`
	Timeout time.Duration `env:"CTL_TIMEOUT" envDefault:"35s"`
}

type options struct {
	Env
	p printer
}

// NewRootCommand builds the bridgectl command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) (*cobra.Command, error) {
	var env Env
	if err := config.ParseEnv(&env); err != nil {
		return nil, err
	}
	opts := &options{Env: env, p: printer{out: out, errOut: errOut}}

	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Send commands to a running browser bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.URL, "url", opts.URL, "bridge base URL")
	var apiKey string
	flags.StringVar(&apiKey, "api-key", "", "API key sent in the first frame (default $BROWSER_BRIDGE_API_KEY)")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		if apiKey != "" {
			opts.APIKey = apiKey
		}
	}
	flags.StringVar(&opts.ConnID, "conn-id", opts.ConnID, "connection id (generated when empty)")
	flags.StringVar(&opts.Lang, "lang", opts.Lang, "language for error messages, e.g. zh-CN")
	flags.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "overall command timeout")

	root.AddCommand(newSendCommand(opts), newPingCommand(opts), newStatusCommand(opts), newKeygenCommand(opts))
	return root, nil
}

// Execute runs bridgectl with args.
func Execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	root, err := NewRootCommand(out, errOut)
	if err != nil {
		return err
	}
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newSendCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send COMMAND [PARAMS_JSON]",
		Short: "Submit a command and wait for its result",
		Example: `  bridgectl send add '{"a":1,"b":2}'
  bridgectl send screenshot '{"url":"https://example.com"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage(`{}`)
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return opts.p.failure("invalid params", "PARAMS_JSON must be a JSON object", `'{"url":"https://example.com"}'`)
				}
				params = json.RawMessage(args[1])
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			c, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			opts.p.step("sending %s as %s", args[0], c.ClientID())
			res, err := c.Send(ctx, args[0], params)
			if err != nil {
				return opts.commandFailure(args[0], err)
			}
			opts.p.success("%s %s", res.Command, res.ID)
			opts.p.raw(indent(res.Value))
			return nil
		},
	}
}

func newPingCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Ping the bridge and print its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			c, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.Ping(ctx)
			if err != nil {
				return opts.commandFailure("ping", err)
			}
			opts.p.success("pong")
			printStatus(opts.p, status)
			return nil
		},
	}
}

type statusBody struct {
	protocol.ServerStatus
	Executors  []broker.ConnInfo `json:"executors"`
	Requesters []broker.ConnInfo `json:"requesters"`
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the bridge's connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			endpoint := strings.TrimRight(opts.URL, "/") + "/status"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return opts.p.failure("invalid bridge URL", err.Error())
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return opts.p.failure("bridge unreachable", err.Error(), "check that the bridge is running at "+opts.URL)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return opts.p.failure("status request failed", resp.Status)
			}
			var body statusBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return opts.p.failure("invalid status response", err.Error())
			}
			printStatus(opts.p, body.ServerStatus)
			printConns(opts.p, "executor", body.Executors)
			printConns(opts.p, "requester", body.Requesters)
			return nil
		},
	}
}

func newKeygenCommand(opts *options) *cobra.Command {
	cfg := apikey.Config{Bytes: 32}
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return apikey.Run(cfg, opts.p.out, nil)
		},
	}
	cmd.Flags().IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	cmd.Flags().BoolVar(&cfg.Raw, "raw", cfg.Raw, "print only the key")
	return cmd
}

func (o *options) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if o.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.Timeout)
}

func (o *options) dial(ctx context.Context) (*client.Client, error) {
	c, err := client.Dial(ctx, client.Options{
		BaseURL: o.URL,
		ConnID:  o.ConnID,
		Lang:    o.Lang,
		APIKey:  o.APIKey,
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeAuth {
			return nil, o.p.failure("authentication failed", err.Error(), "pass --api-key or set BROWSER_BRIDGE_API_KEY")
		}
		return nil, o.p.failure("cannot connect to bridge", err.Error(), "check that the bridge is running at "+o.URL)
	}
	return c, nil
}

func (o *options) commandFailure(command string, err error) error {
	code := apperrors.CodeOf(err)
	title := fmt.Sprintf("%s failed", command)
	if code != apperrors.CodeUnknown {
		title = fmt.Sprintf("%s failed [%s]", command, code)
	}
	var hints []string
	if code.Retryable() {
		hints = append(hints, "the error is retryable")
	}
	return o.p.failure(title, err.Error(), hints...)
}

func printStatus(p printer, status protocol.ServerStatus) {
	p.field("running", status.Running)
	p.field("executors", status.ExecutorCount)
	p.field("requesters", status.RequesterCount)
	p.field("pending exchanges", status.PendingExchanges)
	p.field("queued tasks", status.TaskQueueSize)
	p.field("uptime", (time.Duration(status.UptimeSeconds * float64(time.Second))).Round(time.Second))
}

func printConns(p printer, role string, conns []broker.ConnInfo) {
	for _, info := range conns {
		p.raw(fmt.Sprintf("%s %s", role, formatConn(info)))
	}
}

func formatConn(info broker.ConnInfo) string {
	return fmt.Sprintf("%s connected %s, last active %s", info.ID,
		info.ConnectedAt.UTC().Format(time.RFC3339), info.LastActivity.UTC().Format(time.RFC3339))
}

func indent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
