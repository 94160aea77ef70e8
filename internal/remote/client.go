package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/platform"
)

// ErrBroken is returned by calls on a client whose stream was abandoned
// after a transport error, a protocol error or a cancelled call.
var ErrBroken = errors.New("remote: connection is broken")

// Client is the calling end of a connection. Calls are serialized.
type Client struct {
	conn   *Conn
	closer io.Closer
	cmd    *exec.Cmd

	mu     sync.Mutex
	nextID uint64
	broken bool
	// Host is the name the gate reported in its hello.
	Host string
}

// NewClient performs the hello exchange over r and w. closer, if non-nil,
// is closed by Close after the shutdown message is sent.
func NewClient(r io.Reader, w io.Writer, closer io.Closer) (*Client, error) {
	c := &Client{conn: NewConn(r, w), closer: closer}
	if err := c.conn.Write(&Message{Type: TypeHello, Version: ProtocolVersion, Host: platform.Detect().Hostname}); err != nil {
		return nil, err
	}
	reply, err := c.conn.Read()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch reply.Type {
	case TypeHello:
		if reply.Version != ProtocolVersion {
			return nil, fmt.Errorf("gate speaks protocol version %d, want %d", reply.Version, ProtocolVersion)
		}
	case TypeError:
		return nil, fmt.Errorf("gate refused connection: %s", reply.Error)
	default:
		return nil, fmt.Errorf("expected hello, got %s", reply.Type)
	}
	c.Host = reply.Host
	return c, nil
}

// Dial starts argv (typically `ssh <host> autorun gate`) and connects to
// its stdio.
func Dial(ctx context.Context, argv []string) (*Client, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("dial: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", argv[0], err)
	}
	c, err := NewClient(stdout, stdin, stdin)
	if err != nil {
		stdin.Close()
		cmd.Wait()
		return nil, err
	}
	c.cmd = cmd
	return c, nil
}

// Run executes action on the remote host. A remote failure is returned as
// *operations.Failure with the fields and partial output the gate sent.
//
// Cancelling ctx while the gate has not replied tears down the transport
// and returns ctx.Err(); the client is broken afterwards.
func (c *Client) Run(ctx context.Context, action string, params map[string]any, checkMode bool) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return nil, ErrBroken
	}

	c.nextID++
	id := c.nextID
	type result struct {
		reply *Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if err := c.conn.Write(&Message{Type: TypeRun, ID: id, Action: action, Params: params, CheckMode: checkMode}); err != nil {
			done <- result{err: err}
			return
		}
		reply, err := c.conn.Read()
		if err != nil {
			err = fmt.Errorf("read reply to %s: %w", action, err)
		}
		done <- result{reply: reply, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		c.abort()
		return nil, ctx.Err()
	}
	if res.err != nil {
		c.broken = true
		return nil, res.err
	}
	reply := res.reply
	if reply.ID != id {
		c.broken = true
		return nil, fmt.Errorf("reply id %d does not match request %d", reply.ID, id)
	}
	switch reply.Type {
	case TypeResult:
		if reply.Output == nil {
			reply.Output = map[string]any{}
		}
		return reply.Output, nil
	case TypeError:
		return nil, &operations.Failure{Msg: reply.Error, Fields: reply.Fields, Output: reply.Output}
	default:
		c.broken = true
		return nil, fmt.Errorf("unexpected %s reply", reply.Type)
	}
}

// Broken reports whether the client can no longer be used.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// abort drops the transport without the shutdown exchange. Callers hold c.mu.
func (c *Client) abort() {
	c.broken = true
	if c.closer != nil {
		c.closer.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}

// Close sends shutdown and releases the transport. A broken client is torn
// down without the shutdown message.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		c.abort()
		if c.cmd != nil {
			c.cmd.Wait()
		}
		return nil
	}
	err := c.conn.Write(&Message{Type: TypeShutdown})
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	if c.cmd != nil {
		if werr := c.cmd.Wait(); err == nil {
			err = werr
		}
	}
	return err
}

// SSH runs operations on remote hosts through one gate process per host,
// started on first use and kept for the rest of the run.
type SSH struct {
	// Command builds the argv for host; defaults to GateCommand.
	Command func(host string) []string
	// Connect, when set, replaces dialing Command(host).
	Connect func(ctx context.Context, host string) (*Client, error)

	mu      sync.Mutex
	clients map[string]*Client
}

// GateCommand returns `ssh <host> autorun gate`.
func GateCommand(host string) []string {
	return []string{"ssh", "-T", host, "autorun", "gate"}
}

// Run implements the runner's host hand-off. A client that broke during
// the call is dropped so the next call to host reconnects.
func (s *SSH) Run(ctx context.Context, host, action string, params map[string]any, checkMode bool) (map[string]any, error) {
	c, err := s.client(ctx, host)
	if err != nil {
		return nil, err
	}
	out, err := c.Run(ctx, action, params, checkMode)
	if err != nil && c.Broken() {
		s.evict(host, c)
	}
	return out, err
}

func (s *SSH) evict(host string, c *Client) {
	s.mu.Lock()
	if s.clients[host] == c {
		delete(s.clients, host)
	}
	s.mu.Unlock()
	c.Close()
}

func (s *SSH) client(ctx context.Context, host string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[host]; ok {
		return c, nil
	}
	connect := s.Connect
	if connect == nil {
		connect = s.dial
	}
	// The gate outlives the call that started it.
	c, err := connect(context.WithoutCancel(ctx), host)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}
	if s.clients == nil {
		s.clients = make(map[string]*Client)
	}
	s.clients[host] = c
	return c, nil
}

func (s *SSH) dial(ctx context.Context, host string) (*Client, error) {
	build := s.Command
	if build == nil {
		build = GateCommand
	}
	return Dial(ctx, build(host))
}

// Close shuts down every gate.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for host, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
		delete(s.clients, host)
	}
	return errors.Join(errs...)
}
