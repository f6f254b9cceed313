package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is a single-user host reading lines from an input stream.
type Console struct {
	userID string
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

// NewConsole creates a console host for userID.
func NewConsole(userID string, in io.Reader, out io.Writer) *Console {
	return &Console{userID: userID, in: in, out: out}
}

func (c *Console) Platform() string {
	return "console"
}

func (c *Console) Send(ctx context.Context, userID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "Bot: %s\n\n", text)
	return err
}

// Run feeds each input line to handle until the input ends, ctx is done or
// the user types /quit.
func (c *Console) Run(ctx context.Context, handle Handler) error {
	fmt.Fprintln(c.out, "=== ChatRelay ===")
	fmt.Fprintf(c.out, "User: %s\n", c.userID)
	fmt.Fprintln(c.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(c.out)

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
		close(lines)
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line, ok := <-lines:
			if !ok {
				return <-errs
			}
			input := strings.TrimSpace(line)
			if input == "/quit" || input == "/exit" {
				return nil
			}
			handle(ctx, &Session{
				UserID:   c.userID,
				UserName: c.userID,
				Platform: c.Platform(),
				Text:     line,
				Bot:      c,
			})
		}
	}
}

func (c *Console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "You: ")
}
