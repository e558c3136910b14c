package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const icmpProtocol = 1

// Prober issues one active latency measurement against one host.
// Params: context and target address.
// Returns: round-trip latency in ms, or nil when the host did not answer.
type Prober interface {
	Probe(ctx context.Context, address string) (*float64, error)
}

// ICMPProber measures latency with one ICMP echo request per probe.
// Params: per-probe timeout.
// Returns: raw-socket prober (requires privileges or net.ipv4.ping_group_range).
type ICMPProber struct {
	timeout time.Duration
}

// NewICMPProber creates ICMP echo prober.
// Params: per-probe timeout.
// Returns: initialized prober.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	return &ICMPProber{timeout: timeout}
}

// Probe sends one echo request and waits for the matching reply.
// Params: context and target IPv4 address.
// Returns: round-trip latency in ms, nil on timeout, or socket error.
func (p *ICMPProber) Probe(ctx context.Context, address string) (*float64, error) {
	target, err := net.ResolveIPAddr("ip4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve probe target %q: %w", address, err)
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set probe deadline: %w", err)
	}

	identifier := os.Getpid() & 0xffff
	request := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   identifier,
			Seq:  1,
			Data: []byte("nocwatch-probe"),
		},
	}
	encoded, err := request.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("encode echo request: %w", err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(encoded, target); err != nil {
		return nil, fmt.Errorf("send echo request: %w", err)
	}

	buffer := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, nil
			}
			return nil, fmt.Errorf("read echo reply: %w", err)
		}
		if peer.String() != target.String() {
			continue
		}
		reply, err := icmp.ParseMessage(icmpProtocol, buffer[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != identifier {
			continue
		}
		latency := float64(time.Since(start).Microseconds()) / 1000.0
		return &latency, nil
	}
}

// NoopProber reports every probe as unanswered.
// Params: none.
// Returns: prober for unprivileged runs and tests.
type NoopProber struct{}

// Probe returns no measurement.
// Params: context and target address (ignored).
// Returns: nil latency and nil error.
func (NoopProber) Probe(_ context.Context, _ string) (*float64, error) {
	return nil, nil
}
