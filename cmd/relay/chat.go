package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-relay/message"
	"github.com/cyberinferno/go-relay/relayclient"
)

const handshakeTimeout = 10 * time.Second

var errUsage = errors.New("usage")

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSay
	cmdAlias
	cmdMsg
	cmdWho
	cmdQuit
	cmdHelp
)

type command struct {
	kind commandKind
	arg  string
	text string
}

const chatHelp = `commands:
  /alias <name>       set your alias
  /msg <id> <text>    send text to one peer
  /who                list connected peers
  /quit               disconnect and exit
anything else is sent to the server`

func chatCmd() *cobra.Command {
	var (
		addr  string
		alias string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a relay server from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := relayclient.New(relayclient.DefaultConfig(addr))
			defer client.Close()

			return runChat(cmd.Context(), client, alias, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "Relay server address")
	cmd.Flags().StringVar(&alias, "alias", "", "Alias to announce after connecting")

	return cmd
}

// parseCommand interprets one line of terminal input.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdNone}, nil
	}

	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, text: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/alias":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /alias <name>", errUsage)
		}
		return command{kind: cmdAlias, arg: rest}, nil
	case "/msg":
		id, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if id == "" || text == "" {
			return command{}, fmt.Errorf("%w: /msg <id> <text>", errUsage)
		}
		return command{kind: cmdMsg, arg: id, text: text}, nil
	case "/who":
		return command{kind: cmdWho}, nil
	case "/quit":
		return command{kind: cmdQuit}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s, try /help", name)
	}
}

// printer serializes output from the input loop and the client's handlers.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) peers(peers []message.DirectoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "* %d peer(s) online\n", len(peers))
	for _, e := range peers {
		alias := e.Alias
		if alias == "" {
			alias = "-"
		}
		fmt.Fprintf(p.out, "  %s  %s  %s\n", e.ID, alias, e.Address)
	}
}

// runChat drives a terminal session over client until input ends, /quit is
// entered or ctx is done.
func runChat(ctx context.Context, client *relayclient.Client, alias string, in io.Reader, out io.Writer) error {
	p := &printer{out: out}

	client.OnDirectory(func(e relayclient.DirectoryEvent) {
		p.peers(e.Peers)
	})
	client.OnMessage(func(e relayclient.MessageEvent) {
		switch e.Message.Kind {
		case message.KindClientToClient:
			p.printf("[%s] %s\n", displayName(client.Peers(), e.Message.Origin), e.Message.Body)
		default:
			p.printf("server: %s\n", e.Message.Body)
		}
	})
	client.OnState(func(e relayclient.StateEvent) {
		if e.State == relayclient.Disconnected && e.Error != nil {
			p.printf("! connection lost: %v\n", e.Error)
		}
	})

	if err := client.Connect(ctx); err != nil {
		p.printf("! cannot connect: %v\n", err)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	id, err := client.WaitForID(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("no identifier from server: %w", err)
	}
	p.printf("* connected as %s\n", id)

	if alias != "" {
		if err := client.SetAlias(alias); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return client.Disconnect()
		case l, ok := <-lines:
			if !ok {
				return client.Disconnect()
			}
			line = l
		}

		cmd, err := parseCommand(line)
		if err != nil {
			p.printf("! %v\n", err)
			continue
		}

		if cmd.kind == cmdQuit {
			return client.Disconnect()
		}

		if err := execute(client, p, cmd); err != nil {
			p.printf("! %v\n", err)
		}
	}
}

func execute(client *relayclient.Client, p *printer, cmd command) error {
	switch cmd.kind {
	case cmdSay:
		return client.Notify(cmd.text)
	case cmdAlias:
		return client.SetAlias(cmd.arg)
	case cmdMsg:
		if !lo.ContainsBy(client.Peers(), func(e message.DirectoryEntry) bool { return e.ID == cmd.arg }) {
			return fmt.Errorf("unknown peer %s", cmd.arg)
		}
		return client.SendTo(cmd.arg, cmd.text)
	case cmdWho:
		p.peers(client.Peers())
	case cmdHelp:
		p.printf("%s\n", chatHelp)
	}

	return nil
}

// displayName prefers a peer's alias over its id.
func displayName(peers []message.DirectoryEntry, id string) string {
	if e, ok := lo.Find(peers, func(e message.DirectoryEntry) bool { return e.ID == id }); ok && e.Alias != "" {
		return e.Alias
	}

	return id
}
