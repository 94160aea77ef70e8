package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/atomikpanda/autorun/internal/operations"
	"github.com/atomikpanda/autorun/internal/platform"
)

// Gate is the remote end of a connection. It answers run messages by
// executing operations from its registry.
type Gate struct {
	Registry *operations.Registry
	Logger   *slog.Logger
	// Hostname is reported in the hello reply; defaults to the detected one.
	Hostname string
}

// Serve handles one connection until the peer sends shutdown, closes the
// stream or ctx is cancelled. The first message must be hello.
func (g *Gate) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	log := g.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn := NewConn(r, w)

	hello, err := conn.Read()
	if err != nil {
		return fmt.Errorf("gate: read hello: %w", err)
	}
	if hello.Type != TypeHello {
		conn.Write(&Message{Type: TypeError, Error: fmt.Sprintf("expected hello, got %s", hello.Type)})
		return fmt.Errorf("gate: expected hello, got %s", hello.Type)
	}
	if hello.Version != ProtocolVersion {
		conn.Write(&Message{Type: TypeError, Error: fmt.Sprintf("unsupported protocol version %d", hello.Version)})
		return fmt.Errorf("gate: unsupported protocol version %d", hello.Version)
	}
	host := g.Hostname
	if host == "" {
		host = platform.Detect().Hostname
	}
	if err := conn.Write(&Message{Type: TypeHello, Version: ProtocolVersion, Host: host}); err != nil {
		return err
	}
	log.Debug("gate connected", "peer", hello.Host)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := conn.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gate: %w", err)
		}
		switch m.Type {
		case TypeShutdown:
			log.Debug("gate shutdown")
			return nil
		case TypeRun:
			if err := conn.Write(g.run(ctx, log, m)); err != nil {
				return err
			}
		default:
			if err := conn.Write(&Message{Type: TypeError, ID: m.ID, Error: fmt.Sprintf("unexpected %s message", m.Type)}); err != nil {
				return err
			}
		}
	}
}

func (g *Gate) run(ctx context.Context, log *slog.Logger, m *Message) *Message {
	spec, ok := g.Registry.Lookup(m.Action)
	if !ok {
		return &Message{Type: TypeError, ID: m.ID, Error: fmt.Sprintf("unknown action %q", m.Action)}
	}
	log.Debug("gate run", "id", m.ID, "action", spec.Name, "check_mode", m.CheckMode)
	out, err := spec.Run(ctx, m.Params, m.CheckMode)
	if err != nil {
		reply := &Message{Type: TypeError, ID: m.ID, Error: err.Error(), Output: out}
		var f *operations.Failure
		if errors.As(err, &f) {
			reply.Fields = f.Fields
			if reply.Output == nil {
				reply.Output = f.Output
			}
		}
		return reply
	}
	return &Message{Type: TypeResult, ID: m.ID, Output: out}
}
