package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"github.com/codefionn/service-proxy/service-proxy-srv/proxy"
	"github.com/codefionn/service-proxy/service-proxy-srv/stats"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	upload      = flag.Bool("upload", false, "POST the payload and have the backend echo it")
)

type result struct {
	bytes int64
	err   error
}

// dataHandler serves buf below /data and echoes request bodies on POST.
func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/data/") {
			http.NotFound(w, r)
			return
		}
		out := buf
		if r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			out = body
		}
		if _, err := w.Write(out); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, payload []byte) result {
	method := http.MethodGet
	var body io.Reader = http.NoBody
	if payload != nil {
		method = http.MethodPost
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return result{0, fmt.Errorf("new request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return result{0, fmt.Errorf("status %d (%s)", resp.StatusCode, resp.Header.Get("X-Proxy-Error"))}
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return result{n, fmt.Errorf("read body: %w", err)}
	}
	if n != int64(*dataSize) {
		return result{n, fmt.Errorf("expected %d bytes, got %d", *dataSize, n)}
	}
	return result{n, nil}
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start data server: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{
		{Name: "data", PathPrefix: "/data", TargetURL: "http://" + targetLn.Addr().String()},
	}
	cfg.ConnectTimeoutSeconds = 5
	cfg.ReadTimeoutSeconds = 10

	collector := stats.NewMemoryCollector()
	gateway := proxy.NewServerWithCollector(cfg, collector)
	if err := gateway.StartNonBlocking(0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start gateway: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = gateway.Close() }()

	gatewayURL := fmt.Sprintf("http://127.0.0.1:%d/data/blob", gateway.Addr().(*net.TCPAddr).Port)
	client := &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: *concurrency},
		Timeout:   10 * time.Second,
	}

	var payload []byte
	if *upload {
		payload = buf
	}

	jobs := make(chan struct{}, *numRequests)
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	results := make(chan result, *numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				results <- sendRequest(ctx, client, gatewayURL, payload)
			}
		}()
	}
	wg.Wait()
	close(results)

	success, failures, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, failures)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)
	if overview, err := collector.GetOverviewStats(context.Background()); err == nil {
		fmt.Printf("Gateway: %d requests, %d server errors, avg latency %.2f ms\n",
			overview.TotalRequests, overview.ServerErrors, overview.AvgLatencyMs)
	}

	if failures > 0 || ctx.Err() == context.DeadlineExceeded {
		if firstErr != nil {
			fmt.Fprintf(os.Stderr, "first error: %v\n", firstErr)
		}
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		_ = gateway.Close()
		os.Exit(1)
	}
}
