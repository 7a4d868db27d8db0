package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/config"
	"github.com/codefionn/durchstich/durchstich-srv/logger"
	"github.com/codefionn/durchstich/durchstich-srv/tunnel"
)

var (
	numStreams  = flag.Int("numStreams", 100, "Total number of streams to push through the tunnel")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per stream")
)

type result struct {
	bytes int64
	err   error
}

func runStream(tunnelAddr string, payload []byte, wg *sync.WaitGroup, results chan<- result) {
	defer wg.Done()

	conn, err := net.DialTimeout("tcp", tunnelAddr, 5*time.Second)
	if err != nil {
		results <- result{0, fmt.Errorf("dial tunnel: %w", err)}
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(*testTimeout))

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErr <- err
	}()

	buffer := make([]byte, 64*1024)
	bytesRead := int64(0)
	for bytesRead < int64(len(payload)) {
		n, err := conn.Read(buffer)
		bytesRead += int64(n)
		if err != nil {
			results <- result{bytesRead, fmt.Errorf("read echo: %w", err)}
			return
		}
	}
	if err := <-writeErr; err != nil {
		results <- result{bytesRead, fmt.Errorf("write payload: %w", err)}
		return
	}

	results <- result{bytesRead, nil}
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	// Echo server as the tunnel destination.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to start echo server: %v", err)
	}
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	echoAddr := echoLn.Addr().(*net.TCPAddr)

	// CONNECT proxy in front of it.
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to start proxy: %v", err)
	}
	go func() {
		for {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go serveConnect(conn)
		}
	}()

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
		logger.Fatal("Expected one bound listener, got %d", len(addrs))
	}
	tunnelAddr := addrs[0].String()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'a'
	}

	// Run test
	var wg sync.WaitGroup
	results := make(chan result, *numStreams)
	perWorker := *numStreams / *concurrency
	extra := *numStreams % *concurrency
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		cnt := perWorker
		if i < extra {
			cnt++
		}
		if cnt == 0 {
			continue
		}
		wg.Add(cnt)
		for j := 0; j < cnt; j++ {
			go runStream(tunnelAddr, payload, &wg, results)
		}

		wg.Wait()
	}
	wg.Wait()
	close(results)

	// Collect results
	success, errors, total := 0, 0, int64(0)
	for res := range results {
		if res.err != nil {
			errors++
		} else {
			success++
			total += res.bytes
		}
	}
	dur := time.Since(start)
	sps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	// Output
	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, errors)
	fmt.Printf("Streams/s: %.2f, Throughput: %.2f MB/s\n", sps, mbps)

	// Exit
	if errors > 0 {
		fmt.Fprintln(os.Stderr, "Test failed: errors during streams")
		os.Exit(1)
	}
	os.Exit(0)
}

// serveConnect handles one proxy connection: CONNECT then splice.
func serveConnect(conn net.Conn) {
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
}
