package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/codefionn/durchstich/durchstich-srv/config"
	"github.com/codefionn/durchstich/durchstich-srv/logger"
	"github.com/codefionn/durchstich/durchstich-srv/tunnel"
)

// TestResult represents the outcome of a single test case.
type TestResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func main() {
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	payloadSize := flag.Int("payload", 256*1024, "Echo payload size in bytes")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	echoAddr, err := startEchoServer()
	if err != nil {
		logger.Fatal("Failed to start echo server: %v", err)
	}
	proxyAddr, err := startConnectProxy()
	if err != nil {
		logger.Fatal("Failed to start CONNECT proxy: %v", err)
	}
	logger.Info("Echo server on %s, CONNECT proxy on %s", echoAddr, proxyAddr)

	echoHost, echoPort, err := net.SplitHostPort(echoAddr)
	if err != nil {
		logger.Fatal("Bad echo address: %v", err)
	}
	echoPortNum := 0
	fmt.Sscanf(echoPort, "%d", &echoPortNum)

	cfg := &config.Config{
		Tunnels: []config.Tunnel{
			{ListenPort: 0, DestHost: echoHost, DestPort: echoPortNum},
		},
		ProxyAddress:   proxyAddr,
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
	logger.Info("Tunnel listening on %s", tunnelAddr)

	results := []TestResult{
		runEchoTest("small-roundtrip", tunnelAddr, 64),
		runEchoTest("bulk-roundtrip", tunnelAddr, *payloadSize),
		runEchoTest("chunk-boundary", tunnelAddr, 4096*3+1),
	}

	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
		}
	}

	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))

	if failed > 0 {
		logger.Error("%d of %d tests failed", failed, len(results))
		os.Exit(1)
	}
	logger.Info("All %d tests passed", len(results))
}

// runEchoTest pushes a payload through the tunnel and checks the echo.
func runEchoTest(name, tunnelAddr string, size int) TestResult {
	start := time.Now()
	result := TestResult{Name: name}

	conn, err := net.DialTimeout("tcp", tunnelAddr, 5*time.Second)
	if err != nil {
		result.Error = fmt.Sprintf("dial tunnel: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	defer conn.Close()

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	errChan := make(chan error, 1)
	go func() {
		_, writeErr := conn.Write(payload)
		errChan <- writeErr
	}()

	echoed := make([]byte, size)
	if _, err := io.ReadFull(conn, echoed); err != nil {
		result.Error = fmt.Sprintf("read echo: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	if writeErr := <-errChan; writeErr != nil {
		result.Error = fmt.Sprintf("write payload: %v", writeErr)
		result.Duration = time.Since(start)
		return result
	}

	if !bytes.Equal(payload, echoed) {
		result.Error = "echoed payload differs from input"
	} else {
		result.Success = true
	}
	result.Duration = time.Since(start)
	return result
}

// startEchoServer runs a TCP server that copies its input back.
func startEchoServer() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
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
	}()
	return listener.Addr().String(), nil
}

// startConnectProxy runs a minimal HTTP CONNECT proxy.
func startConnectProxy() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleProxyConn(conn)
		}
	}()
	return listener.Addr().String(), nil
}

func handleProxyConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		fmt.Fprintf(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
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
