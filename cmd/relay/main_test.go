package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/idgenerator"
	"github.com/cyberinferno/go-relay/message"
	"github.com/cyberinferno/go-relay/relayclient"
	"github.com/cyberinferno/go-relay/tcpserver"
)

const waitTimeout = 2 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want command
	}{
		{"", command{kind: cmdNone}},
		{"   ", command{kind: cmdNone}},
		{"hello there", command{kind: cmdSay, text: "hello there"}},
		{"/alias bob", command{kind: cmdAlias, arg: "bob"}},
		{"/msg abc hi you", command{kind: cmdMsg, arg: "abc", text: "hi you"}},
		{"/who", command{kind: cmdWho}},
		{"/quit", command{kind: cmdQuit}},
		{"/help", command{kind: cmdHelp}},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}

	for _, line := range []string{"/alias", "/msg", "/msg abc", "/dance"} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}
}

func TestDisplayName(t *testing.T) {
	peers := []message.DirectoryEntry{{ID: "1", Alias: "alice"}, {ID: "2"}}
	assert.Equal(t, "alice", displayName(peers, "1"))
	assert.Equal(t, "2", displayName(peers, "2"))
	assert.Equal(t, "3", displayName(peers, "3"))
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr(":7000")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", host)
	assert.Equal(t, 7000, port)

	_, _, err = splitAddr("localhost")
	assert.Error(t, err)
	_, _, err = splitAddr("localhost:http")
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRunChat(t *testing.T) {
	defer leaktest.Check(t)()

	srv := tcpserver.NewTCPServer(tcpserver.Options{
		Addr:        "127.0.0.1:0",
		IDGenerator: idgenerator.NewSequenceGenerator("client-", 0),
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan message.Message, 8)
	peer := relayclient.New(relayclient.DefaultConfig(srv.Addr().String()))
	defer peer.Close()
	peer.OnMessage(func(e relayclient.MessageEvent) { received <- e.Message })
	require.NoError(t, peer.Connect(ctx))
	peerID, err := peer.WaitForID(ctx)
	require.NoError(t, err)

	in, input := io.Pipe()
	defer input.Close()
	out := &syncBuffer{}
	chat := relayclient.New(relayclient.DefaultConfig(srv.Addr().String()))
	defer chat.Close()

	done := make(chan error, 1)
	go func() { done <- runChat(ctx, chat, "carol", in, out) }()

	contains := func(s string) func() bool {
		return func() bool { return strings.Contains(out.String(), s) }
	}
	say := func(line string) {
		_, err := io.WriteString(input, line+"\n")
		require.NoError(t, err)
	}

	require.Eventually(t, contains("* 1 peer(s) online"), waitTimeout, 5*time.Millisecond)
	require.Eventually(t, contains("* connected as client-2"), waitTimeout, 5*time.Millisecond)

	say("/msg nobody hi")
	require.Eventually(t, contains("! unknown peer nobody"), waitTimeout, 5*time.Millisecond)

	say(fmt.Sprintf("/msg %s hello", peerID))
	select {
	case m := <-received:
		assert.Equal(t, "hello", m.Body)
		assert.Equal(t, "client-2", m.Origin)
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered")
	}

	require.NoError(t, peer.SendTo("client-2", "hi carol"))
	require.Eventually(t, contains("[client-1] hi carol"), waitTimeout, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		peers := peer.Peers()
		return len(peers) == 1 && peers[0].Alias == "carol"
	}, waitTimeout, 5*time.Millisecond)

	say("/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("chat did not exit")
	}

	require.Eventually(t, func() bool { return len(peer.Peers()) == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestRunChat_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var out bytes.Buffer
	client := relayclient.New(relayclient.DefaultConfig(addr))
	defer client.Close()

	err = runChat(context.Background(), client, "", strings.NewReader(""), &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "! cannot connect")
}
