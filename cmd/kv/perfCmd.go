package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dCache nodes",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

// perfTest is one benchmark. prepare runs before the timer starts, op is the
// measured operation for key index i.
type perfTest struct {
	name    string
	prepare func(keys []string) error
	op      func(keys []string, i int) error
}

// perfResult combines the benchmark result with the latency distribution
type perfResult struct {
	bench   testing.BenchmarkResult
	latency gometrics.Timer
	errors  int64
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dCache nodes")

	// Print configuration
	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	setAll := func(keys []string) error {
		for _, k := range keys {
			if _, err := rpcCache.Set(k, value, 0); err != nil {
				return err
			}
		}
		return nil
	}

	tests := []perfTest{
		{name: "set", op: func(keys []string, i int) error {
			_, err := rpcCache.Set(keys[i%len(keys)], value, 0)
			return err
		}},
		{name: "set-large", op: func(keys []string, i int) error {
			_, err := rpcCache.Set(keys[i%len(keys)], largeValue, 0)
			return err
		}},
		{name: "setE", op: func(keys []string, i int) error {
			_, err := rpcCache.SetE(keys[i%len(keys)], value, 0, 60_000)
			return err
		}},
		{name: "get", prepare: setAll, op: func(keys []string, i int) error {
			_, _, err := rpcCache.Get(keys[i%len(keys)])
			return err
		}},
		{name: "has", prepare: setAll, op: func(keys []string, i int) error {
			_, err := rpcCache.Has(keys[i%len(keys)])
			return err
		}},
		{name: "delete", prepare: setAll, op: func(keys []string, i int) error {
			_, err := rpcCache.Delete(keys[i%len(keys)])
			return err
		}},
		{name: "bulk", op: func(keys []string, i int) error {
			batch := keys[:min(len(keys), 10)]
			values := make([][]byte, len(batch))
			for j := range values {
				values[j] = value
			}
			return rpcCache.BulkSet(batch, values, 0)
		}},
		{name: "mixed", prepare: setAll, op: func(keys []string, i int) error {
			// 80% reads, 20% writes
			if i%5 == 0 {
				_, err := rpcCache.Set(keys[i%len(keys)], value, 0)
				return err
			}
			_, _, err := rpcCache.Get(keys[i%len(keys)])
			return err
		}},
	}

	// Create results map
	results := make(map[string]*perfResult)
	for _, test := range tests {
		if shouldSkip(test.name) {
			printResult(test.name, nil)
			continue
		}
		res := runTest(test)
		results[test.name] = res
		printResult(test.name, res)
	}

	fmt.Println()
	fmt.Println("tests completed")

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", csvPath)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func runTest(test perfTest) *perfResult {
	res := &perfResult{latency: gometrics.NewTimer()}
	errCounter := gometrics.NewCounter()
	keys := getKeys(test.name)

	res.bench = testing.Benchmark(func(b *testing.B) {
		if test.prepare != nil {
			if err := test.prepare(keys); err != nil {
				log.Printf("(%s) - error preparing keys: %v\n", test.name, err)
			}
		}

		// cleanup
		b.Cleanup(func() {
			for _, k := range keys {
				if _, err := rpcCache.Delete(k); err != nil {
					log.Printf("(%s) - error deleting key: %v\n", test.name, err)
				}
			}
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := test.op(keys, counter); err != nil {
					errCounter.Inc(1)
				}
				res.latency.UpdateSince(start)
				counter++
			}
		})
	})
	res.errors = errCounter.Count()
	return res
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	return slices.Contains(perfSkip, test)
}

// getKeys creates the test keys of one benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// nsPerOp returns the time per operation and the throughput of a result
func nsPerOp(res *perfResult) (float64, float64) {
	ns := math.Max(float64(res.bench.NsPerOp()), 1) // prevent division by zero
	return ns, 1.0 / (ns / 1e9)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, res *perfResult) {
	if res == nil || res.bench.N == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	ns, opsPerSec := nsPerOp(res)
	p := res.latency.Percentiles([]float64{0.5, 0.99})

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s errors=%d\n",
		test, ns, time.Duration(ns), opsPerSec, time.Duration(p[0]), time.Duration(p[1]), res.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]*perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50Ns", "P99Ns", "Errors",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, res := range results {
		ns, opsPerSec := nsPerOp(res)
		p := res.latency.Percentiles([]float64{0.5, 0.99})

		row := []string{
			test,
			fmt.Sprintf("%.0f", ns),
			time.Duration(ns).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			fmt.Sprintf("%.0f", p[0]),
			fmt.Sprintf("%.0f", p[1]),
			strconv.FormatInt(res.errors, 10),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
