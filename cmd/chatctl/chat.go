package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"livechat/internal/client"
	"livechat/internal/config"
	"livechat/internal/content"
	"livechat/internal/identity"
	"livechat/internal/logging"
	"livechat/internal/models"
	"livechat/internal/realtime"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	errQuit      = errors.New("quit")
	errLoggedOut = errors.New("logged out")
)

// sessionCheckInterval is how often chat re-reads the session file, which is
// how a logout from another chatctl process reaches it.
var sessionCheckInterval = time.Second

// send posts one message, optionally with an attachment, and exits.
func send(ctx context.Context, cfg *config.ClientConfig, store *identity.Store, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	attach := flagSet.StringP("attach", "a", "", "file to attach")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() < 1 {
		return errors.New("usage: chatctl send <counterpart> [text] [--attach file]")
	}
	counterpartID := flagSet.Arg(0)
	if err := content.ValidateCounterpart(counterpartID); err != nil {
		return err
	}

	me, err := currentIdentity(store)
	if err != nil {
		return err
	}

	c := client.New(cfg, me, client.Callbacks{}, logging.NewLoggerTo(os.Stderr, "chatctl"))
	defer c.Close()

	if cfg.Delivery == config.DeliveryRelay {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := waitOpen(waitCtx, c.Conn)
		cancel()
		if err != nil {
			return models.NewError(models.KindConnection, "connect", err)
		}
	}

	if err := c.Session.Open(ctx, counterpartID); err != nil {
		return err
	}

	if *attach != "" {
		if err := attachFile(ctx, c, *attach, stdout); err != nil {
			return err
		}
	}
	c.Pipeline.SetText(strings.Join(flagSet.Args()[1:], " "))

	if err := c.Pipeline.Submit(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "sent")
	return nil
}

// chat opens an interactive conversation. Lines typed are sent; "/attach <file>"
// stages a file for the next message, "/online" lists who is online and "/quit" exits.
// Logging out, here or from another process, closes the connection and ends the chat.
func chat(ctx context.Context, cfg *config.ClientConfig, store *identity.Store, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: chatctl chat <counterpart>")
	}
	counterpartID := args[0]
	if err := content.ValidateCounterpart(counterpartID); err != nil {
		return err
	}

	me, err := currentIdentity(store)
	if err != nil {
		return err
	}

	out := &printer{w: stdout, seen: make(map[string]bool)}
	c := client.New(cfg, me, client.Callbacks{
		OnStatus:   out.status,
		OnPresence: out.presence,
		OnMessages: out.messages,
		OnError:    out.error,
	}, logging.NewLoggerTo(os.Stderr, "chatctl"))
	defer c.Close()

	// Fetch failures are reported through OnError and retried by the poller.
	if err := c.Session.Open(ctx, counterpartID); err != nil && !models.IsKind(err, models.KindHistoryFetch) {
		return err
	}

	loggedOut := make(chan struct{})
	var once sync.Once
	signOut := func() {
		once.Do(func() {
			close(loggedOut)
			c.Manager.Ensure(nil)
		})
	}
	follows := func(id *models.Identity) bool { return id != nil && id.ID == me.ID }

	stopWatching, err := store.Watch(func(id *models.Identity) {
		if !follows(id) {
			signOut()
		}
	})
	if err != nil {
		return err
	}
	defer stopWatching()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(gCtx, c, line, out); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(sessionCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-loggedOut:
				return errLoggedOut
			case <-ticker.C:
				current, err := store.Current()
				if err != nil {
					out.error(err)
					continue
				}
				if !follows(current) {
					signOut()
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-c.Conn.Done():
			select {
			case <-loggedOut:
				return errLoggedOut
			default:
				return errors.New("connection closed")
			}
		}
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errLoggedOut):
		out.printf("%s\n", errLoggedOut)
		return nil
	case err != nil && !errors.Is(err, errQuit):
		return err
	}
	return nil
}

func handleLine(ctx context.Context, c *client.Client, line string, out *printer) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "/quit":
		return errQuit
	case line == "/online":
		out.printf("online: %s\n", strings.Join(c.Tracker.Online(), ", "))
		return nil
	case strings.HasPrefix(line, "/attach "):
		if err := attachFile(ctx, c, strings.TrimSpace(strings.TrimPrefix(line, "/attach ")), out); err != nil {
			out.error(err)
		}
		return nil
	}

	// Send failures reach the terminal through OnError and keep the draft.
	c.Pipeline.SetText(line)
	_ = c.Pipeline.Submit(ctx)
	return nil
}

func attachFile(ctx context.Context, c *client.Client, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	task := c.Pipeline.Attach(ctx, filepath.Base(path), f, info.Size(), models.AttachmentTypeNone)
	preview := task.Preview()
	fmt.Fprintf(w, "uploading %s (%s, %d bytes)\n", preview.Name, preview.MIME, preview.Size)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-task.Done():
			if err := task.Err(); err != nil {
				return err
			}
			fmt.Fprintf(w, "attached %s\n", task.URL())
			return nil
		case <-ticker.C:
			fmt.Fprintf(w, "  %d%%\n", task.Progress())
		case <-ctx.Done():
			task.Cancel()
			return ctx.Err()
		}
	}
}

func waitOpen(ctx context.Context, conn *realtime.Conn) error {
	opened := make(chan struct{}, 1)
	sub := conn.OnStatus(func(s realtime.Status, _ error) {
		if s == realtime.StatusOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if conn.Status() == realtime.StatusOpen {
		return nil
	}
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// printer serializes terminal output from the callbacks.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]bool
}

func (p *printer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Write(b)
}

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p, format, args...)
}

func (p *printer) status(s realtime.Status, err error) {
	if err != nil {
		p.printf("* %s: %v\n", s, err)
		return
	}
	p.printf("* %s\n", s)
}

func (p *printer) presence(online []string) {
	p.printf("* online: %s\n", strings.Join(online, ", "))
}

func (p *printer) error(err error) {
	p.printf("! %v\n", err)
}

// messages prints confirmed messages not printed before.
func (p *printer) messages(msgs []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		if m.Pending || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true

		line := fmt.Sprintf("[%s] %s: %s", time.UnixMilli(m.CreatedAt).Format("15:04"), m.SenderID, m.Text)
		if m.AttachmentURL != "" {
			line += fmt.Sprintf(" [%s %s %s]", m.AttachmentType, m.AttachmentName, m.AttachmentURL)
		}
		_, _ = fmt.Fprintln(p.w, line)
	}
}
