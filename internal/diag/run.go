package diag

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/sync/errgroup"

	"github.com/Zwooosh/netmeter/internal/config"
	"github.com/Zwooosh/netmeter/internal/netinfo"
	"github.com/Zwooosh/netmeter/pkg/types"
)

const (
	userAgent = "netmeter/0.1.0"

	// downloadSample bounds how much of the download endpoint diag pulls
	// before aborting the transfer.
	downloadSample = 64 * 1024

	defaultCheckTimeout = 10 * time.Second
)

// ErrChecksFailed reports that at least one required check did not pass.
var ErrChecksFailed = errors.New("diagnostics checks failed")

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	Stdout     io.Writer
}

// Check is the outcome of probing one endpoint or capability. Optional
// checks report failures as warnings instead of failing the run.
type Check struct {
	Name      string  `json:"name"`
	Target    string  `json:"target,omitempty"`
	OK        bool    `json:"ok"`
	Required  bool    `json:"required"`
	ElapsedMs float64 `json:"elapsed_ms"`
	Detail    string  `json:"detail,omitempty"`
}

// Report is the JSON document diag emits.
type Report struct {
	GeneratedAt string   `json:"generated_at"`
	ConfigPath  string   `json:"config_path"`
	Checks      []Check  `json:"checks"`
	Warnings    []string `json:"warnings,omitempty"`
	GoVersion   string   `json:"go_version"`
}

// Run probes every endpoint the configuration names and reports whether a
// measurement session would have working targets. Endpoint checks run
// concurrently; the MMDB check runs after them because it resolves the
// public IP the network-info check discovered.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	timeout := fs.Duration("timeout", defaultCheckTimeout, "Per-check timeout")
	outputPath := fs.String("output", "", "Write the JSON report to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	prb := &prober{cfg: cfg, client: client}

	var jobs []func(context.Context) Check
	if cfg.Latency.Mode == config.LatencyModeICMP {
		jobs = append(jobs, prb.icmpCheck)
	} else {
		jobs = append(jobs, prb.latencyCheck)
	}
	jobs = append(jobs, prb.downloadCheck)

	var publicIP string
	jobs = append(jobs, func(ctx context.Context) Check {
		info, c := prb.netinfoCheck(ctx)
		publicIP = info.IP
		return c
	})
	if cfg.Publish.WebhookURL != "" {
		jobs = append(jobs, prb.webhookCheck)
	}

	results := make([]Check, len(jobs))
	var g errgroup.Group
	for i, fn := range jobs {
		i, fn := i, fn
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			results[i] = fn(checkCtx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	report := Report{
		GeneratedAt: deps.Now().UTC().Format(time.RFC3339),
		ConfigPath:  *configPath,
		Checks:      results,
		GoVersion:   runtime.Version(),
	}
	if cfg.NetworkInfo.MMDBPath != "" {
		report.Checks = append(report.Checks, mmdbCheck(cfg.NetworkInfo.MMDBPath, publicIP))
	}

	var failed []string
	for _, c := range report.Checks {
		if c.OK {
			continue
		}
		if c.Required {
			failed = append(failed, c.Name)
		} else {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s check failed: %s", c.Name, c.Detail))
		}
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics report: %w", err)
	}
	payload = append(payload, '\n')

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, payload, 0o600); err != nil {
			return fmt.Errorf("write diagnostics report %q: %w", *outputPath, err)
		}
	} else if _, err := deps.Stdout.Write(payload); err != nil {
		return fmt.Errorf("write diagnostics report: %w", err)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrChecksFailed, strings.Join(failed, ", "))
	}
	return nil
}

type prober struct {
	cfg    config.Config
	client *http.Client
}

func (p *prober) latencyCheck(ctx context.Context) Check {
	target := p.cfg.Endpoints.LatencyURL
	return timed("latency", target, true, func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Cache-Control", "no-cache")
		resp, err := p.client.Do(req)
		if err != nil {
			return "", err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		// Any completed exchange would yield a latency sample, so any
		// status counts as reachable.
		return resp.Status, nil
	})
}

func (p *prober) downloadCheck(ctx context.Context) Check {
	target := p.cfg.Endpoints.DownloadURL
	return timed("download", target, true, func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := p.client.Do(req)
		if err != nil {
			return "", err
		}
		// Closing without draining aborts the transfer after the sample.
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("unexpected status %s", resp.Status)
		}
		n, err := io.CopyN(io.Discard, resp.Body, downloadSample)
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("stream broke after %d bytes: %w", n, err)
		}
		return fmt.Sprintf("%s, sampled %d bytes", resp.Status, n), nil
	})
}

func (p *prober) icmpCheck(ctx context.Context) Check {
	host := p.cfg.Latency.ICMPHost
	return timed("icmp", host, true, func() (string, error) {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("resolve %s: no addresses", host)
		}
		network := "ip4:icmp"
		if addrs[0].IP.To4() == nil {
			network = "ip6:ipv6-icmp"
		}
		conn, err := icmp.ListenPacket(network, "")
		if err != nil {
			return "", fmt.Errorf("open socket (raw sockets need elevated privileges): %w", err)
		}
		conn.Close()
		return fmt.Sprintf("%s resolves to %s, socket available", host, addrs[0].IP), nil
	})
}

func (p *prober) netinfoCheck(ctx context.Context) (types.NetworkInfo, Check) {
	target := p.cfg.Endpoints.NetworkInfoURL
	var info types.NetworkInfo
	c := timed("netinfo", target, false, func() (string, error) {
		client, err := netinfo.NewClient(netinfo.Config{
			URL:     target,
			Timeout: time.Duration(p.cfg.NetworkInfo.TimeoutMs) * time.Millisecond,
		}, netinfo.Dependencies{HTTPClient: p.client})
		if err != nil {
			return "", err
		}
		looked, err := client.Lookup(ctx)
		if err != nil {
			return "", err
		}
		info = looked
		return fmt.Sprintf("ip %s, isp %s", looked.IP, looked.ISP), nil
	})
	return info, c
}

func (p *prober) webhookCheck(ctx context.Context) Check {
	target := p.cfg.Publish.WebhookURL
	return timed("webhook", target, false, func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := p.client.Do(req)
		if err != nil {
			return "", err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		// Many hooks reject HEAD with 405; any response proves the host is
		// reachable.
		return resp.Status, nil
	})
}

func mmdbCheck(path, ip string) Check {
	return timed("mmdb", path, false, func() (string, error) {
		resolver, err := netinfo.OpenLocalResolver(path)
		if err != nil {
			return "", err
		}
		defer resolver.Close()
		if ip == "" {
			return "database opened, no public ip to resolve", nil
		}
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return "", fmt.Errorf("public ip %q does not parse", ip)
		}
		isp, err := resolver.ResolveISP(parsed)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s resolves to %s", ip, isp), nil
	})
}

func timed(name, target string, required bool, fn func() (string, error)) Check {
	start := time.Now()
	detail, err := fn()
	c := Check{
		Name:      name,
		Target:    target,
		Required:  required,
		ElapsedMs: float64(time.Since(start).Microseconds()) / 1000.0,
		OK:        err == nil,
		Detail:    detail,
	}
	if err != nil {
		c.Detail = err.Error()
	}
	return c
}
