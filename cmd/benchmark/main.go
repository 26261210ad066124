// Benchmark tool for measuring Kestrel detection quality on labelled shifts.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labels.csv -url http://localhost:8080
//
// The CSV needs a header with at least shift_id and is_fraud columns. Every
// listed shift must already be finalized in the store Kestrel reads from.
//
// The tool re-evaluates each shift through POST /shifts/{id}/evaluate, treats
// a returned fraud event as a positive verdict and reports the confusion
// matrix plus precision and recall against the labels.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledShift is one row of the label file.
type LabelledShift struct {
	ShiftID string
	IsFraud bool
}

// EvaluateResponse is the subset of the evaluate endpoint payload the tool reads.
type EvaluateResponse struct {
	Outcome    string `json:"outcome"`
	Assessment struct {
		RiskScore float64 `json:"riskScore"`
		RiskLevel string  `json:"riskLevel"`
		Matches   []struct {
			Code string `json:"code"`
		} `json:"matches"`
	} `json:"assessment"`
	Event *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"event,omitempty"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled shift CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	actor := flag.String("actor", "benchmark", "Value sent in the X-Actor header")
	limit := flag.Int("limit", 10000, "Maximum shifts to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each shift result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labels.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - labelled shift detection")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	shifts, err := readLabels(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(shifts) == 0 {
		fmt.Println("No shifts to process")
		return
	}

	fraudCount := 0
	for _, s := range shifts {
		if s.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d shifts (%d labelled fraud, %.2f%%)\n",
		len(shifts), fraudCount, 100*float64(fraudCount)/float64(len(shifts)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(shifts, *baseURL, *actor, *workers, *verbose)
	printResults(metrics, time.Since(start))
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

func readLabels(path string, limit int) ([]LabelledShift, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parseLabels(file, limit)
}

func parseLabels(r io.Reader, limit int) ([]LabelledShift, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	idCol, ok := colIndex["shift_id"]
	if !ok {
		return nil, fmt.Errorf("missing shift_id column")
	}
	fraudCol, ok := colIndex["is_fraud"]
	if !ok {
		return nil, fmt.Errorf("missing is_fraud column")
	}

	var shifts []LabelledShift
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		if idCol >= len(record) || fraudCol >= len(record) {
			continue
		}
		id := strings.TrimSpace(record[idCol])
		if id == "" {
			continue
		}

		label := strings.ToLower(strings.TrimSpace(record[fraudCol]))
		shifts = append(shifts, LabelledShift{
			ShiftID: id,
			IsFraud: label == "1" || label == "true",
		})

		if limit > 0 && len(shifts) >= limit {
			break
		}
	}

	return shifts, nil
}

func runBenchmark(shifts []LabelledShift, baseURL, actor string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledShift, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := evaluateShift(client, baseURL, actor, s.ShiftID)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.ShiftID, err)
					}
					continue
				}

				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.Event != nil
				metrics.record(predicted, s.IsFraud)

				if verbose {
					mark := "ok"
					if predicted != s.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-36s | Fraud: %-5v | %-9s | Score: %6.1f | Level: %-8s | Rules: %d\n",
						mark,
						s.ShiftID,
						s.IsFraud,
						result.Outcome,
						result.Assessment.RiskScore,
						result.Assessment.RiskLevel,
						len(result.Assessment.Matches),
					)
				}
			}
		}()
	}

	for _, s := range shifts {
		work <- s
	}
	close(work)
	wg.Wait()

	return metrics
}

func (m *Metrics) record(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func evaluateShift(client *http.Client, baseURL, actor, shiftID string) (*EvaluateResponse, error) {
	endpoint := baseURL + "/shifts/" + url.PathEscape(shiftID) + "/evaluate"
	req, err := http.NewRequest(http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Actor", actor)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Scores derives precision, recall, F1 and accuracy from the confusion matrix.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                    Predicted")
	fmt.Println("                 EVENT      CLEAN")
	fmt.Printf("   Actual  F  %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF  %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision, recall, f1, accuracy := m.Scores()
	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f shifts/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
