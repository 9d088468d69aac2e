// crabkv-bench is a throughput demo harness for the CrabKV engine.
//
// Usage:
//
//	crabkv-bench [flags]
//
// Flags:
//
//	-dir string       Data directory (default a temp dir)
//	-clients int      Number of parallel goroutines (default 50)
//	-requests int     Total number of requests (default 100000)
//	-batch int        PutBatch size, 0 or 1 disables batching (default 0)
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabkv/crabkv/internal/engine"
)

func main() {
	dir := flag.String("dir", "", "data directory (default a temp dir)")
	clients := flag.Int("clients", 50, "number of parallel goroutines")
	requests := flag.Int("requests", 100000, "total number of requests")
	batch := flag.Int("batch", 0, "PutBatch size, 0 or 1 disables batching")
	flag.Parse()

	dataDir := *dir
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "crabkv-bench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	eng, err := engine.NewBuilder(dataDir).AsyncCompaction(true).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	fmt.Println("====== CrabKV Bench ======")
	fmt.Printf("Dir: %s\n", dataDir)
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Batch: %d\n", *batch)
	fmt.Println()

	var completed int64
	var failed int64
	reqPerClient := *requests / *clients

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			runClient(eng, clientID, reqPerClient, *batch, &completed, &failed)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("Completed: %d, Failed: %d\n", atomic.LoadInt64(&completed), atomic.LoadInt64(&failed))
	fmt.Printf("Elapsed: %s\n", elapsed)
	fmt.Printf("Throughput: %.0f ops/sec\n", float64(atomic.LoadInt64(&completed))/elapsed.Seconds())
}

func runClient(eng *engine.Engine, clientID, count, batchSize int, completed, failed *int64) {
	if batchSize > 1 {
		runBatchedClient(eng, clientID, count, batchSize, completed, failed)
		return
	}

	for j := 0; j < count; j++ {
		key := fmt.Sprintf("key:%d:%d", clientID, j)
		value := fmt.Sprintf("value:%d:%d", clientID, j)

		var err error
		if j%2 == 0 {
			err = eng.Put(key, value)
		} else {
			_, _, err = eng.Get(key)
		}
		if err != nil {
			atomic.AddInt64(failed, 1)
			continue
		}
		atomic.AddInt64(completed, 1)
	}
}

func runBatchedClient(eng *engine.Engine, clientID, count, batchSize int, completed, failed *int64) {
	for start := 0; start < count; start += batchSize {
		end := start + batchSize
		if end > count {
			end = count
		}
		entries := make([]engine.BatchEntry, 0, end-start)
		for j := start; j < end; j++ {
			entries = append(entries, engine.BatchEntry{
				Key:   fmt.Sprintf("key:%d:%d", clientID, j),
				Value: fmt.Sprintf("value:%d:%d", clientID, j),
			})
		}
		if err := eng.PutBatch(entries); err != nil {
			atomic.AddInt64(failed, int64(len(entries)))
			continue
		}
		atomic.AddInt64(completed, int64(len(entries)))
	}
}
