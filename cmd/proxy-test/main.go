package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// TestResult represents the outcome of a single check.
type TestResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// TestSuite runs smoke checks against a running gateway.
type TestSuite struct {
	BaseURL string
	Client  *http.Client
	Results []TestResult
}

type check func(resp *http.Response, body []byte) error

func main() {
	gateway := flag.String("gateway", "http://127.0.0.1:9095", "Gateway base URL")
	routes := flag.String("routes", "", "Comma separated paths expected to reach a backend, e.g. /am/ping,/services/ping")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	suite := &TestSuite{
		BaseURL: strings.TrimRight(*gateway, "/"),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				//nolint:gosec // opt-in for self-signed gateway certificates
				TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	logger.Info("Starting gateway checks against %s", suite.BaseURL)

	suite.run("health", "/health", expectHealth)
	suite.run("info", "/", expectInfo)
	suite.run("unmatched-404", "/__no_such_route__/x", expectNoRoute)
	for _, path := range strings.Split(*routes, ",") {
		if path = strings.TrimSpace(path); path != "" {
			suite.run("route "+path, path, expectForwarded)
		}
	}

	suite.printResults()
}

func (ts *TestSuite) run(name, path string, fn check) {
	logger.Debug("Running check: %s", name)
	target := ts.BaseURL + path
	start := time.Now()
	result := TestResult{Name: name, URL: target}

	resp, err := ts.Client.Get(target)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("Request failed: %v", err)
		ts.Results = append(ts.Results, result)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()
	result.Status = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to read response: %v", err)
		ts.Results = append(ts.Results, result)
		return
	}
	logger.Debug("Response for %s: %d bytes, status %d", target, len(body), resp.StatusCode)

	if err := fn(resp, body); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
	}
	ts.Results = append(ts.Results, result)
}

func expectHealth(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var doc map[string]string
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("health body is not JSON: %v", err)
	}
	if doc["status"] != "UP" {
		return fmt.Errorf("status is %q", doc["status"])
	}
	return nil
}

func expectInfo(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var doc struct {
		Service string            `json:"service"`
		Version string            `json:"version"`
		Proxies map[string]string `json:"proxies"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("info body is not JSON: %v", err)
	}
	if doc.Service == "" || doc.Version == "" {
		return fmt.Errorf("service or version missing")
	}
	logger.Info("Gateway %s %s with %d proxy routes", doc.Service, doc.Version, len(doc.Proxies))
	return nil
}

func expectNoRoute(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Proxy-Error") == "" {
		return fmt.Errorf("X-Proxy-Error header missing")
	}
	return nil
}

// expectForwarded accepts any backend answer. A gateway-generated error
// carries X-Proxy-Error.
func expectForwarded(resp *http.Response, body []byte) error {
	if code := resp.Header.Get("X-Proxy-Error"); code != "" {
		return fmt.Errorf("gateway error %s (status %d)", code, resp.StatusCode)
	}
	return nil
}

func (ts *TestSuite) printResults() {
	fmt.Printf("\n=== Gateway Check Results ===\n")
	fmt.Printf("Gateway: %s\n\n", ts.BaseURL)

	passed := 0
	failed := 0

	for _, result := range ts.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-24s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                         Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total checks: %d\n", len(ts.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome checks failed. Check gateway configuration and backend connectivity.\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll checks passed.\n")
}
