package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/nfrund/dmrelay/internal/client"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/protocol"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	chatURL   string
	chatToken string
	chatTo    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive direct-message session",
	Long: `Connect to the relay and read lines from stdin. Each line is sent to
the --to recipient. A line of the form "/to <userId>" switches recipient.
Incoming messages and roster changes are printed as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatToken == "" {
			return fmt.Errorf("--token is required: %w", domain.ErrMalformedInput)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	printer := newLinePrinter(out)
	c := client.New(chatURL, chatToken,
		client.OnRoster(func(r protocol.RosterFrame) {
			names := lo.Map(r.Online, func(e protocol.RosterEntry, _ int) string {
				return fmt.Sprintf("%s (%s)", e.Username, e.UserID)
			})
			printer.printf("* online: %s\n", strings.Join(names, ", "))
		}),
		client.OnMessage(func(m domain.Message) {
			printer.printf("[%s] %s -> %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Recipient, m.Text)
		}),
		client.OnError(func(e protocol.ErrorBody) {
			printer.printf("! %s: %s\n", e.Code, e.Message)
		}),
		client.OnStateChange(func(s client.State) {
			printer.printf("* %s\n", s)
		}),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	recipient := chatTo
	for {
		var line string
		select {
		case <-ctx.Done():
			return ignoreCanceled(<-done)
		case err := <-done:
			return ignoreCanceled(err)
		case err := <-scanErr:
			cancel()
			return errors.Join(ignoreCanceled(<-done), err)
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/to "):
			recipient = strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			printer.printf("* sending to %s\n", recipient)
			continue
		case recipient == "":
			printer.printf("! no recipient; use /to <userId>\n")
			continue
		}
		if err := c.Send(recipient, line); err != nil {
			printer.printf("! %v\n", err)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// linePrinter serializes writes from the client callbacks and the input loop.
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newLinePrinter(out io.Writer) *linePrinter {
	return &linePrinter{out: out}
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "bearer token (see relayctl token)")
	chatCmd.Flags().StringVar(&chatTo, "to", "", "initial recipient user ID")
	rootCmd.AddCommand(chatCmd)
}
