package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/discovery"
	"github.com/DoyleJ11/lan-quiz/internal/participant"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "quizclient",
		Short:         "Find and join LAN quiz sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol details to stderr")

	logger := func() *zap.Logger {
		if !verbose {
			return zap.NewNop()
		}
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}

	rootCmd.AddCommand(
		discoverCmd(logger),
		joinCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func discoveryFlags(cmd *cobra.Command, opts *discovery.Options) {
	cmd.Flags().IntVar(&opts.Port, "discovery-port", discovery.DefaultPort, "UDP port hosts listen on")
	cmd.Flags().StringVar(&opts.BroadcastAddr, "broadcast", discovery.DefaultBroadcastAddr, "Broadcast address to probe")
	cmd.Flags().DurationVar(&opts.Timeout, "scan", discovery.DefaultTimeout, "How long to listen for announcements")
}

func discoverCmd(logger func() *zap.Logger) *cobra.Command {
	var opts discovery.Options

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List quiz sessions on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Logger = logger()
			found, err := discovery.Discover(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tMODULE\tADDRESS\tPARTICIPANTS")
			for _, a := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", a.SessionID, a.ModuleID, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), a.ParticipantCount)
			}
			return tw.Flush()
		},
	}
	discoveryFlags(cmd, &opts)
	return cmd
}

func joinCmd(logger func() *zap.Logger) *cobra.Command {
	var (
		addr     string
		session  string
		nickname string
		timeout  time.Duration
		opts     discovery.Options
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session and answer from stdin",
		Long: `Join a session and answer questions interactively.

Each line typed is sent as an answer. Lines that are valid JSON are sent
as-is, anything else is sent as a JSON string. Type /ping to ask for the
current state again.

Without --addr the session is located by discovery.

Examples:
  quizclient join --nickname Ana
  quizclient join --addr 192.168.1.20:40404 --session S1 --nickname Ana`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(nickname) == "" {
				return errors.New("--nickname is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logger()
			opts.Logger = log
			if addr == "" {
				a, err := locate(ctx, opts, session)
				if err != nil {
					return err
				}
				addr = net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
				session = a.SessionID
			}
			if session == "" {
				return errors.New("--session is required with --addr")
			}
			return play(ctx, log, addr, session, nickname, timeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Host address host:port (default: discover)")
	cmd.Flags().StringVar(&session, "session", "", "Session id (default: first discovered)")
	cmd.Flags().StringVarP(&nickname, "nickname", "n", "", "Name shown in the session roster")
	cmd.Flags().DurationVar(&timeout, "timeout", participant.DefaultJoinTimeout, "Join handshake timeout")
	discoveryFlags(cmd, &opts)
	return cmd
}

func locate(ctx context.Context, opts discovery.Options, session string) (types.Announcement, error) {
	found, err := discovery.Discover(ctx, opts)
	if err != nil {
		return types.Announcement{}, err
	}
	for _, a := range found {
		if session == "" || a.SessionID == session {
			return a, nil
		}
	}
	if session != "" {
		return types.Announcement{}, fmt.Errorf("session %s not found", session)
	}
	return types.Announcement{}, errors.New("no sessions found")
}

func play(ctx context.Context, log *zap.Logger, addr, session, nickname string, timeout time.Duration) error {
	c := participant.New(participant.Options{Logger: log})
	defer c.Shutdown()

	ack, err := c.Join(ctx, addr, session, nickname, timeout)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("join rejected: %s", ack.Reason)
	}
	fmt.Printf("Joined %s as %s (%s)\n", session, ack.DisplayName, ack.StudentID)

	snaps, cancel := c.Snapshots()
	defer cancel()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	disconnected := time.NewTicker(500 * time.Millisecond)
	defer disconnected.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			fmt.Printf("state: %s\n", s)
		case a, ok := <-c.Acks():
			if !ok {
				return nil
			}
			if a.Accepted {
				fmt.Println("answer accepted")
			} else {
				fmt.Printf("answer rejected: %s\n", a.Reason)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "":
			case "/ping":
				c.RequestSnapshot(session)
			default:
				c.SendAnswer(session, ack.StudentID, answerPayload(line))
			}
		case <-disconnected.C:
			if !c.Connected() {
				return errors.New("connection to host lost")
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

func answerPayload(line string) json.RawMessage {
	if json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	b, _ := json.Marshal(line)
	return b
}
