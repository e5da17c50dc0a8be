package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"nearbydrop/internal/netsec"
	"nearbydrop/internal/protocol"
)

type clientOptions struct {
	server    string
	insecure  bool
	downloads string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		opts     clientOptions
		sendPath string
		sendTo   []string
	)

	cmd := &cobra.Command{
		Use:          "nearbydrop",
		Short:        "Join a nearbydrop relay, see nearby peers and exchange files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := connect(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.ws.Close()

			readDone := make(chan struct{})
			go func() {
				defer close(readDone)
				s.readLoop()
			}()

			if strings.TrimSpace(sendPath) != "" {
				return s.upload(cmd.Context(), sendPath, sendTo)
			}
			return runLines(cmd.Context(), s, cmd.InOrStdin(), readDone)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", "http://127.0.0.1:3006", "relay base url")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip TLS verification (self-signed relays)")
	flags.StringVar(&opts.downloads, "downloads", "downloads", "directory accepted files are saved to")
	cmd.Flags().StringVar(&sendPath, "send", "", "offer one file and exit")
	cmd.Flags().StringSliceVar(&sendTo, "to", nil, "recipients for --send (ids or names, default everyone)")

	cmd.AddCommand(newTUICmd(&opts))
	return cmd
}

func newTUICmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Full screen client",
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := make(chan string, 256)
			s, err := connect(cmd.Context(), *opts, lineWriter{ch: lines})
			if err != nil {
				return err
			}
			defer s.ws.Close()

			closed := make(chan struct{})
			go func() {
				defer close(closed)
				s.readLoop()
			}()

			p := tea.NewProgram(newModel(cmd.Context(), s, lines, closed), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

// connect dials the relay websocket and joins. Join output goes to out.
func connect(ctx context.Context, opts clientOptions, out io.Writer) (*session, error) {
	base, err := url.Parse(strings.TrimRight(opts.server, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("--server must be an http(s) url, got %q", opts.server)
	}
	if err := os.MkdirAll(opts.downloads, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	tlsCfg := netsec.ClientTLSConfig(opts.insecure)
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsCfg
	ws, _, err := dialer.DialContext(ctx, wsURL(base), nil)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	s := newSession(base, ws, &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}, out, opts.downloads)
	if err := s.send(protocol.Packet{Type: protocol.TypeJoin}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("join failed: %w", err)
	}
	if err := s.waitJoined(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return s, nil
}

func runLines(ctx context.Context, s *session, in io.Reader, readDone <-chan struct{}) error {
	fmt.Fprintf(s.out, "connected to %s\n", s.base)
	fmt.Fprintln(s.out, "commands: "+commandHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-readDone:
			return nil
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func wsURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}
