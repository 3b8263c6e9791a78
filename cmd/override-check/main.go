// Command override-check sends URLs through a running hostwarp instance and
// reports status, the proxy error code and timing for each of them.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// CheckResult is the outcome of one URL.
type CheckResult struct {
	URL        string        `json:"url"`
	Success    bool          `json:"success"`
	Status     int           `json:"status"`
	ProxyError string        `json:"proxy_error,omitempty"`
	Server     string        `json:"server,omitempty"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Checker sends requests through one proxy.
type Checker struct {
	ProxyURL     string
	Client       *http.Client
	ExpectStatus int
	Results      []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8081", "Proxy address (host:port)")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	expect := flag.Int("expect", http.StatusOK, "Status code counted as success")
	method := flag.String("method", http.MethodGet, "Request method")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] URL...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	c := &Checker{
		ProxyURL:     proxyURL.String(),
		ExpectStatus: *expect,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	logger.Info("Checking %d URLs through %s", flag.NArg(), c.ProxyURL)
	for _, target := range flag.Args() {
		c.Results = append(c.Results, c.check(strings.ToUpper(*method), target))
	}

	if !c.printResults() {
		os.Exit(1)
	}
}

func (c *Checker) check(method, target string) CheckResult {
	result := CheckResult{URL: target}
	start := time.Now()

	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to create request: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "hostwarp-override-check/1.0")

	resp, err := c.Client.Do(req)
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = fmt.Sprintf("Request failed: %v", err)
		return result
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	n, err := io.Copy(io.Discard, resp.Body)
	result.Duration = time.Since(start)
	result.Status = resp.StatusCode
	result.Bytes = n
	result.ProxyError = resp.Header.Get("X-Proxy-Error")
	result.Server = resp.Header.Get("Server")
	if err != nil {
		result.Error = fmt.Sprintf("Failed to read response: %v", err)
		return result
	}

	result.Success = resp.StatusCode == c.ExpectStatus
	logger.Debug("%s %s: status %d, %d bytes in %s", method, target, resp.StatusCode, n, result.Duration)
	return result
}

// printResults writes the results as JSON and reports whether all passed.
func (c *Checker) printResults() bool {
	passed := 0
	for _, r := range c.Results {
		if r.Success {
			passed++
		}
	}

	out := struct {
		Proxy   string        `json:"proxy"`
		Passed  int           `json:"passed"`
		Failed  int           `json:"failed"`
		Results []CheckResult `json:"results"`
	}{c.ProxyURL, passed, len(c.Results) - passed, c.Results}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("Failed to encode results: %v", err)
		return false
	}
	return passed == len(c.Results)
}
