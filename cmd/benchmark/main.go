package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/creditledger/internal/logger"
)

// Config holds the benchmark settings
var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	emailTemplate string
	adminEmail    string
	grantAmount   int64
	reserveAmount int64
	logLevel      string

	log *logrus.Logger
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Reserved
	fail409       uint64 // Insufficient credits
	fail503       uint64 // Storage unavailable
	failOther     uint64
)

type account struct {
	id    string
	email string
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccounts, "accounts", 100, "Seeded accounts to charge")
	flag.StringVar(&emailTemplate, "email", "user%d@example.com", "Seeded email template")
	flag.StringVar(&adminEmail, "admin", "", "Admin email used to grant starting credits (optional)")
	flag.Int64Var(&grantAmount, "grant", 10000, "Credits granted per account when -admin is set")
	flag.Int64Var(&reserveAmount, "amount", 1, "Credits per reserve")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
}

func main() {
	flag.Parse()
	// Results go to stdout; logs stay on stderr.
	log = logger.New(logLevel)
	log.SetOutput(os.Stderr)
	client := &http.Client{Timeout: 5 * time.Second}

	accounts, err := prepare(client)
	if err != nil {
		log.WithError(err).Fatal("prepare accounts failed")
	}
	log.WithFields(logrus.Fields{
		"workload": workload,
		"workers":  concurrency,
		"duration": duration.String(),
		"accounts": len(accounts),
	}).Info("--- Starting benchmark ---")

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, accounts, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// prepare resolves every seeded email to its canonical account and, when an
// admin is given, tops each one up.
func prepare(client *http.Client) ([]account, error) {
	out := make([]account, 0, totalAccounts)
	for i := 0; i < totalAccounts; i++ {
		email := fmt.Sprintf(emailTemplate, i)
		var acct struct {
			ID string `json:"id"`
		}
		if err := call(client, "POST", "/api/v1/identity/resolve", email, nil, &acct); err != nil {
			log.WithError(err).WithField("email", email).Warn("skipping account")
			continue
		}
		out = append(out, account{id: acct.ID, email: email})

		if adminEmail != "" {
			body := map[string]interface{}{"amount": grantAmount, "reason": "benchmark"}
			if err := call(client, "POST", "/api/v1/accounts/"+acct.ID+"/grant", adminEmail, body, nil); err != nil {
				return nil, fmt.Errorf("grant %s: %w", acct.ID, err)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no account could be resolved")
	}
	return out, nil
}

func call(client *http.Client, method, path, email string, body interface{}, into interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, targetURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Authenticated-Email", email)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if into != nil {
		return json.NewDecoder(resp.Body).Decode(into)
	}
	return nil
}

func worker(wg *sync.WaitGroup, client *http.Client, accounts []account, start time.Time) {
	defer wg.Done()

	for time.Since(start) < duration {
		acct := pickAccount(accounts)

		payload := map[string]interface{}{
			"amount":    reserveAmount,
			"operation": "benchmark",
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/accounts/"+acct.id+"/reserve", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Authenticated-Email", acct.email)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 503:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickAccount(accounts []account) account {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic hits the first account
		if rand.Float32() < 0.90 {
			return accounts[0]
		}
	}
	return accounts[rand.Intn(len(accounts))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f409 := atomic.LoadUint64(&fail409)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"reserved":             s201,
		"insufficient_credits": f409,
		"reject_rate_pct":      rejectRate,
		"storage_unavailable":  f503,
		"errors":               fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.WithError(err).WithField("file", filename).Error("write results failed")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
