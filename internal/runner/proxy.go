package runner

import (
	"context"
	"strings"
)

// ReservedPrefix marks identifiers that are never action names.
const ReservedPrefix = "_"

// Proxy builds an action name one segment at a time and invokes it:
//
//	r.Proxy().Dot("amazon").Dot("aws").Dot("ec2_instance").On("web01").Call(ctx, params)
//
// Each method returns a new Proxy, so partial paths can be shared.
type Proxy struct {
	r    *Runner
	path []string
	host string
	bad  string
}

// Proxy returns an empty builder bound to r.
func (r *Runner) Proxy() *Proxy {
	return &Proxy{r: r}
}

// Dot appends segment to the name. A segment may itself contain dots.
func (p *Proxy) Dot(segment string) *Proxy {
	next := &Proxy{r: p.r, host: p.host, bad: p.bad}
	next.path = append(append([]string(nil), p.path...), strings.Split(segment, ".")...)
	if next.bad == "" {
		for _, s := range strings.Split(segment, ".") {
			if s == "" || strings.HasPrefix(s, ReservedPrefix) {
				next.bad = segment
				break
			}
		}
	}
	return next
}

// On sets the target host.
func (p *Proxy) On(host string) *Proxy {
	next := *p
	next.host = host
	return &next
}

// Name returns the accumulated dotted name.
func (p *Proxy) Name() string {
	return strings.Join(p.path, ".")
}

// Call executes the accumulated name with params. A path containing a
// reserved or empty segment fails without consuming a sequence number.
func (p *Proxy) Call(ctx context.Context, params map[string]any) (map[string]any, error) {
	if p.bad != "" {
		return nil, &UnknownActionError{Name: p.Name(), Reason: "reserved identifier " + p.bad}
	}
	if len(p.path) == 0 {
		return nil, &UnknownActionError{Name: "", Reason: "empty action name"}
	}
	return p.r.Execute(ctx, p.Name(), params, p.host)
}
