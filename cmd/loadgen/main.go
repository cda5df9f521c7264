// Load generator for the Pricewise suggestion endpoint.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -seed 5000 -requests 2000
//
// This tool:
//  1. Optionally seeds synthetic sales history: embeddings are written to the
//     blob store (S3/MinIO) and the sales are posted to /v1/sales/batch
//  2. Sends /v1/suggest requests from a pool of concurrent workers
//  3. Reports latency percentiles and compares p95 with the latency budget
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/pricewise/internal/api"
	"github.com/opensource-finance/pricewise/internal/blobstore"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/pricing"
)

var categories = []string{
	domain.CategoryCoats,
	domain.CategoryDresses,
	domain.CategoryHandbags,
	domain.CategoryShoes,
}

var conditions = []string{"new_with_tags", "like_new", "very_good", "good", "fair"}

// Metrics tracks load results.
type Metrics struct {
	mu        sync.Mutex
	latencies []time.Duration

	OK               int64
	InsufficientData int64
	Errors           int64
	MatchesTotal     int64
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// generator produces embeddings clustered around a few centroids per
// category so that queries find neighbours above the similarity floor.
type generator struct {
	rng       *rand.Rand
	dim       int
	centroids map[string][][]float32
}

func newGenerator(seed uint64, dim, clusters int) *generator {
	g := &generator{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		dim:       dim,
		centroids: make(map[string][][]float32),
	}
	for _, c := range categories {
		for range clusters {
			g.centroids[c] = append(g.centroids[c], g.noise(1))
		}
	}
	return g
}

func (g *generator) noise(scale float64) []float32 {
	v := make([]float32, g.dim)
	for i := range v {
		v[i] = float32(g.rng.NormFloat64() * scale)
	}
	return v
}

// near returns a vector close to one of the category's centroids.
func (g *generator) near(category string) []float32 {
	cs := g.centroids[category]
	c := cs[g.rng.IntN(len(cs))]
	n := g.noise(0.3)
	for i := range n {
		n[i] += c[i]
	}
	return n
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Pricewise base URL")
	tenantID := flag.String("tenant", "loadgen", "Tenant ID for requests")
	seedCount := flag.Int("seed", 0, "Synthetic sales to seed before the run (0 = none)")
	requests := flag.Int("requests", 1000, "Suggest requests to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	dim := flag.Int("dim", 1024, "Embedding dimension")
	clusters := flag.Int("clusters", 8, "Embedding clusters per category")
	randSeed := flag.Uint64("rand", 42, "Random seed")
	budget := flag.Duration("budget", 500*time.Millisecond, "p95 latency budget")
	s3Endpoint := flag.String("s3-endpoint", "localhost:9000", "S3/MinIO endpoint for seeding embeddings")
	s3Bucket := flag.String("s3-bucket", "embeddings", "Embedding bucket")
	s3Access := flag.String("s3-access-key", os.Getenv("PRICEWISE_BLOB__ACCESS_KEY"), "S3 access key")
	s3Secret := flag.String("s3-secret-key", os.Getenv("PRICEWISE_BLOB__SECRET_KEY"), "S3 secret key")
	verbose := flag.Bool("verbose", false, "Print each request result")
	flag.Parse()

	fmt.Println("PRICEWISE LOADGEN - /v1/suggest latency")
	fmt.Printf("\nPricewise URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:     %s\n", *tenantID)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Requests:      %d\n", *requests)
	fmt.Printf("Budget (p95):  %v\n", *budget)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Pricewise not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Pricewise is running:")
		fmt.Println("  go run ./cmd/pricewise")
		os.Exit(1)
	}
	fmt.Println("Pricewise is healthy")

	gen := newGenerator(*randSeed, *dim, *clusters)
	client := &http.Client{Timeout: 10 * time.Second}

	if *seedCount > 0 {
		blobs, err := blobstore.New(domain.BlobConfig{
			Type:         "s3",
			Endpoint:     *s3Endpoint,
			Bucket:       *s3Bucket,
			AccessKey:    *s3Access,
			SecretKey:    *s3Secret,
			FetchTimeout: 5 * time.Second,
		})
		if err != nil {
			fmt.Printf("ERROR: blob store: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nSeeding %d sales...\n", *seedCount)
		start := time.Now()
		written, err := seed(context.Background(), client, blobs, gen, *baseURL, *tenantID, *seedCount)
		if err != nil {
			fmt.Printf("ERROR: seeding failed after %d sales: %v\n", written, err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %d sales in %v\n", written, time.Since(start).Round(time.Millisecond))
	}

	fmt.Printf("\nRunning load with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runLoad(client, gen, *baseURL, *tenantID, *requests, *workers, *verbose)
	duration := time.Since(startTime)

	if !printResults(metrics, duration, *budget) {
		os.Exit(2)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func seed(ctx context.Context, client *http.Client, blobs domain.BlobStore, gen *generator, baseURL, tenantID string, count int) (int, error) {
	now := time.Now().UTC()
	written := 0
	for written < count {
		n := min(api.MaxBatchSales, count-written)
		batch := make([]*domain.SaleRecord, 0, n)
		for range n {
			category := categories[gen.rng.IntN(len(categories))]
			saleID := uuid.NewString()
			ref := tenantID + "/" + saleID + ".f32"
			if err := blobs.Put(ctx, ref, blobstore.PackEmbedding(gen.near(category))); err != nil {
				return written, fmt.Errorf("put embedding: %w", err)
			}
			batch = append(batch, &domain.SaleRecord{
				ProductID:    fmt.Sprintf("prod-%06d", gen.rng.IntN(count)),
				SaleID:       saleID,
				SaleDate:     now.Add(-time.Duration(gen.rng.IntN(365*24)) * time.Hour),
				SalePrice:    math.Round((20+gen.rng.Float64()*480)*100) / 100,
				Category:     category,
				Condition:    conditions[gen.rng.IntN(len(conditions))],
				EmbeddingRef: ref,
			})
		}

		var resp api.BatchSalesResponse
		if err := postJSON(client, baseURL+"/v1/sales/batch", tenantID, api.BatchSalesRequest{Sales: batch}, &resp); err != nil {
			return written, err
		}
		if resp.Failed > 0 {
			return written + resp.Written, fmt.Errorf("%d records rejected", resp.Failed)
		}
		written += resp.Written
	}
	return written, nil
}

func runLoad(client *http.Client, gen *generator, baseURL, tenantID string, requests, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, requests)}

	// Queries are generated up front; the generator is not safe for
	// concurrent use.
	work := make(chan pricing.SuggestRequest, requests)
	for range requests {
		category := categories[gen.rng.IntN(len(categories))]
		work <- pricing.SuggestRequest{
			Embedding: gen.near(category),
			Category:  category,
			Condition: conditions[gen.rng.IntN(len(conditions))],
		}
	}
	close(work)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range work {
				start := time.Now()
				var resp api.SuggestResponse
				err := postJSON(client, baseURL+"/v1/suggest", tenantID, req, &resp)
				metrics.record(time.Since(start))

				switch {
				case err == nil:
					atomic.AddInt64(&metrics.OK, 1)
					if resp.PricingSuggestion != nil {
						atomic.AddInt64(&metrics.MatchesTotal, int64(len(resp.Matches)))
					}
				case isStatus(err, http.StatusUnprocessableEntity):
					atomic.AddInt64(&metrics.InsufficientData, 1)
				default:
					atomic.AddInt64(&metrics.Errors, 1)
				}

				if verbose {
					if err != nil {
						fmt.Printf("%-9s | %v\n", req.Category, err)
					} else if resp.PricingSuggestion != nil {
						fmt.Printf("%-9s | price %8.2f | confidence %.3f | matches %d\n",
							req.Category, resp.SuggestedPrice, resp.Confidence, len(resp.Matches))
					}
				}
			}
		}()
	}
	wg.Wait()

	return metrics
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func isStatus(err error, code int) bool {
	se, ok := err.(*statusError)
	return ok && se.code == code
}

func postJSON(client *http.Client, url, tenantID string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantIDHeader, tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMultiStatus {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &statusError{code: resp.StatusCode, body: fmt.Sprint(e["error"])}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(idx, 0)]
}

// printResults reports the run and whether p95 stayed within budget.
func printResults(m *Metrics, duration, budget time.Duration) bool {
	lat := slices.Clone(m.latencies)
	slices.Sort(lat)
	total := int64(len(lat))

	fmt.Println("\nLOADGEN RESULTS")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total:             %d\n", total)
	fmt.Printf("   Priced:            %d\n", m.OK)
	fmt.Printf("   Insufficient data: %d\n", m.InsufficientData)
	fmt.Printf("   Errors:            %d\n", m.Errors)
	if m.OK > 0 {
		fmt.Printf("   Avg matches:       %.2f\n", float64(m.MatchesTotal)/float64(m.OK))
	}

	p95 := percentile(lat, 95)
	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50:  %v\n", percentile(lat, 50).Round(time.Microsecond))
	fmt.Printf("   p95:  %v\n", p95.Round(time.Microsecond))
	fmt.Printf("   p99:  %v\n", percentile(lat, 99).Round(time.Microsecond))
	if total > 0 {
		fmt.Printf("   max:  %v\n", lat[total-1].Round(time.Microsecond))
	}

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Duration:  %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("   Rate:      %.2f req/sec\n", float64(total)/duration.Seconds())
	}

	within := p95 <= budget
	if within {
		fmt.Printf("\np95 %v is within the %v budget\n\n", p95.Round(time.Millisecond), budget)
	} else {
		fmt.Printf("\np95 %v exceeds the %v budget\n\n", p95.Round(time.Millisecond), budget)
	}
	return within
}
