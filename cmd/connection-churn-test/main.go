package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/config"
	"github.com/codefionn/durchstich/durchstich-srv/logger"
	"github.com/codefionn/durchstich/durchstich-srv/tunnel"
)

var (
	connections        = flag.Int("connections", 512, "Number of concurrent tunnel connections to maintain")
	roundsPerConn      = flag.Int("rounds", 100, "Number of echo round trips per connection")
	timeout            = flag.Duration("timeout", 2*time.Minute, "Overall test timeout")
	reopenProbability  = flag.Float64("reopenProbability", 0.05, "Probability of reopening a connection before a round trip")
	largePayloadSize   = flag.Int("largePayloadSize", 512*1024, "Size of large payloads in bytes")
	largePayloadChance = flag.Float64("largePayloadChance", 0.1, "Probability a round trip will use a large payload")
	writeDeadline      = flag.Duration("writeDeadline", 10*time.Second, "Write deadline per round trip")
	readDeadline       = flag.Duration("readDeadline", 10*time.Second, "Read deadline per round trip")
)

type latencyRecorder struct {
	mu     sync.Mutex
	values []time.Duration
}

type categoryStats struct {
	rec   latencyRecorder
	count atomic.Int64
}

func (cs *categoryStats) add(d time.Duration) {
	cs.count.Add(1)
	cs.rec.add(d)
}

func (lr *latencyRecorder) add(d time.Duration) {
	lr.mu.Lock()
	lr.values = append(lr.values, d)
	lr.mu.Unlock()
}

func (lr *latencyRecorder) percentile(p float64) time.Duration {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if len(lr.values) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(lr.values))
	copy(sorted, lr.values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func main() {
	flag.Parse()

	if *connections < 1 {
		*connections = 1
	}
	if *roundsPerConn < 1 {
		*roundsPerConn = 1
	}
	*reopenProbability = clampProbability(*reopenProbability)
	*largePayloadChance = clampProbability(*largePayloadChance)

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "test failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := setupContext()
	defer cancel()

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("echo listener: %w", err)
	}
	defer echoLn.Close()
	go runEchoServer(echoLn)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	defer proxyLn.Close()
	go runConnectProxy(proxyLn)

	echoAddr := echoLn.Addr().(*net.TCPAddr)
	cfg := &config.Config{
		Tunnels: []config.Tunnel{
			{ListenPort: 0, DestHost: echoAddr.IP.String(), DestPort: echoAddr.Port},
		},
		ProxyAddress:   proxyLn.Addr().String(),
		LocalOnly:      true,
		TimeoutSeconds: 10,
	}
	engine := tunnel.NewTunnel(cfg)
	go func() {
		if err := engine.Start(); err != nil {
			logger.Fatal("Tunnel error: %v", err)
		}
	}()
	defer engine.Stop()

	time.Sleep(100 * time.Millisecond)
	addrs := engine.ListenAddrs()
	if len(addrs) != 1 {
		return fmt.Errorf("expected one bound listener, got %d", len(addrs))
	}
	tunnelAddr := addrs[0].String()

	small := &categoryStats{}
	large := &categoryStats{}
	reopens := atomic.Int64{}
	failures := atomic.Int64{}

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			worker(ctx, tunnelAddr, rand.New(rand.NewSource(seed)), small, large, &reopens, &failures)
		}(int64(i))
	}
	wg.Wait()
	dur := time.Since(start)

	totalRounds := small.count.Load() + large.count.Load()
	fmt.Printf("Duration: %.2f s, Rounds: %d, Reopens: %d, Failures: %d\n",
		dur.Seconds(), totalRounds, reopens.Load(), failures.Load())
	fmt.Printf("Small payloads: %d, p50: %v, p99: %v\n",
		small.count.Load(), small.rec.percentile(0.50), small.rec.percentile(0.99))
	fmt.Printf("Large payloads: %d, p50: %v, p99: %v\n",
		large.count.Load(), large.rec.percentile(0.50), large.rec.percentile(0.99))

	if failures.Load() > 0 {
		return fmt.Errorf("%d round trips failed", failures.Load())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("test interrupted: %w", ctx.Err())
	}
	return nil
}

// worker maintains one churning connection through the tunnel: echo
// round trips with occasional reopens and occasional large payloads.
func worker(ctx context.Context, tunnelAddr string, rng *rand.Rand, small, large *categoryStats, reopens, failures *atomic.Int64) {
	smallPayload := []byte("ping")
	largePayload := make([]byte, *largePayloadSize)
	for i := range largePayload {
		largePayload[i] = byte(i % 251)
	}

	conn, err := net.DialTimeout("tcp", tunnelAddr, 5*time.Second)
	if err != nil {
		failures.Add(1)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	for round := 0; round < *roundsPerConn; round++ {
		if ctx.Err() != nil {
			return
		}

		if rng.Float64() < *reopenProbability {
			_ = conn.Close()
			conn, err = net.DialTimeout("tcp", tunnelAddr, 5*time.Second)
			if err != nil {
				failures.Add(1)
				return
			}
			reopens.Add(1)
		}

		payload := smallPayload
		stats := small
		if rng.Float64() < *largePayloadChance {
			payload = largePayload
			stats = large
		}

		begin := time.Now()
		if err := roundTrip(conn, payload); err != nil {
			failures.Add(1)
			return
		}
		stats.add(time.Since(begin))
	}
}

// roundTrip writes the payload and reads the echo back.
func roundTrip(conn net.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(*writeDeadline)); err != nil {
		return err
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErr <- err
	}()

	if err := conn.SetReadDeadline(time.Now().Add(*readDeadline)); err != nil {
		return err
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		return fmt.Errorf("read echo: %w", err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func runEchoServer(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}()
	}
}

func runConnectProxy(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			reader := bufio.NewReader(conn)
			req, err := http.ReadRequest(reader)
			if err != nil || req.Method != http.MethodConnect {
				return
			}
			target, err := net.DialTimeout("tcp", req.Host, 5*time.Second)
			if err != nil {
				fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
				return
			}
			defer target.Close()
			fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

			done := make(chan struct{}, 2)
			go func() {
				_, _ = io.Copy(target, reader)
				done <- struct{}{}
			}()
			go func() {
				_, _ = io.Copy(conn, target)
				done <- struct{}{}
			}()
			<-done
		}()
	}
}

func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return sigCtx, func() {
		sigCancel()
		cancel()
	}
}

func clampProbability(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
