package latency

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// ICMPConfig configures the raw-socket echo prober. Raw sockets need
// elevated privileges; Measure reports zero samples when the socket cannot
// be opened so callers degrade the same way as an unreachable endpoint.
type ICMPConfig struct {
	Host    string
	Samples int
	Pause   time.Duration
	Timeout time.Duration
}

type ICMPDependencies struct {
	Logger *log.Logger
	Rand   *rand.Rand
}

type ICMPProbe struct {
	host    string
	samples int
	pause   time.Duration
	timeout time.Duration
	logger  *log.Logger
	rng     *rand.Rand
}

func NewICMP(cfg ICMPConfig, deps ICMPDependencies) (*ICMPProbe, error) {
	if cfg.Host == "" {
		return nil, errors.New("icmp probe requires a host")
	}
	samples := cfg.Samples
	if samples <= 0 {
		samples = DefaultSamples
	}
	pause := cfg.Pause
	if pause <= 0 {
		pause = DefaultPause
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ICMPProbe{
		host:    cfg.Host,
		samples: samples,
		pause:   pause,
		timeout: timeout,
		logger:  logger,
		rng:     rng,
	}, nil
}

// Measure sends echo requests and derives ping and jitter from matched
// replies. Unanswered or mismatched probes contribute no sample.
func (p *ICMPProbe) Measure(ctx context.Context) Stats {
	addr, err := net.ResolveIPAddr("ip", p.host)
	if err != nil {
		p.logger.Printf("icmp probe: resolve %s: %v", p.host, err)
		return Stats{}
	}

	network, proto := "ip4:icmp", protocolICMP
	if addr.IP.To4() == nil {
		network, proto = "ip6:ipv6-icmp", protocolIPv6ICMP
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		p.logger.Printf("icmp probe: open socket: %v", err)
		return Stats{}
	}
	defer conn.Close()

	id := p.rng.Intn(0xffff)
	samples := make([]float64, 0, p.samples)
	for seq := 1; seq <= p.samples; seq++ {
		if seq > 1 && !sleepContext(ctx, p.pause) {
			break
		}
		if ms, ok := p.echo(conn, addr, proto, id, seq); ok {
			samples = append(samples, ms)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return derive(samples)
}

func (p *ICMPProbe) echo(conn *icmp.PacketConn, dst net.Addr, proto, id, seq int) (float64, bool) {
	var echoType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if proto == protocolIPv6ICMP {
		echoType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("netmeter probe")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		p.logger.Printf("icmp probe: marshal echo: %v", err)
		return 0, false
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		p.logger.Printf("icmp probe: send echo: %v", err)
		return 0, false
	}
	if err := conn.SetReadDeadline(start.Add(p.timeout)); err != nil {
		return 0, false
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		rm, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || rm.Type != replyType {
			continue
		}
		body, ok := rm.Body.(*icmp.Echo)
		if !ok || body.ID != id || body.Seq != seq {
			continue
		}
		return float64(time.Since(start)) / float64(time.Millisecond), true
	}
}
