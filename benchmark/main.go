// Package main provides a benchmark tool for the forgeflow pipeline core.
// It pushes a large number of tasks through a queue + worker pool pair and
// measures enqueue and processing throughput.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000 -workers 8
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/forgeflow/pkg/pool"
	"github.com/guido-cesarano/forgeflow/pkg/queue"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numProducers := flag.Int("producers", 10, "Number of concurrent enqueuers")
	numWorkers := flag.Int("workers", 8, "Number of pool workers")
	flag.Parse()

	q := queue.New("bench", 0)

	fmt.Printf("forgeflow benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent producers: %d\n", *numProducers)
	fmt.Printf("Pool workers: %d\n\n", *numWorkers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	tasksPerProducer := *numTasks / *numProducers

	for i := 0; i < *numProducers; i++ {
		wg.Add(1)
		go func(producerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerProducer; j++ {
				task, err := tasks.New(uuid.New().String(), tasks.DevPayload{
					Task: tasks.PlanTask{ID: fmt.Sprintf("bench-%d-%d", producerID, j), Title: "benchmark"},
				}, tasks.PriorityNormal)
				if err != nil {
					fmt.Printf("Error building task: %v\n", err)
					return
				}
				if err := q.Put(task, 5*time.Second); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}
	wg.Wait()

	enqueueDuration := time.Since(startEnqueue)
	fmt.Printf("Enqueued %d tasks in %v (%.0f tasks/sec)\n\n",
		enqueued.Load(), enqueueDuration,
		float64(enqueued.Load())/enqueueDuration.Seconds())

	// Processing phase
	fmt.Printf("Starting processing phase...\n")
	var processed atomic.Int64
	p := pool.New(pool.Config{Name: "bench", Workers: *numWorkers, PollTimeout: 50 * time.Millisecond}, q, nil,
		func(ctx context.Context, t *tasks.QueueTask) (*tasks.QueueTask, error) {
			processed.Add(1)
			return nil, nil
		})

	startProcess := time.Now()
	p.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := q.WaitUntilEmpty(ctx, 50*time.Millisecond); err != nil {
		fmt.Printf("Drain failed: %v\n", err)
		return
	}
	processDuration := time.Since(startProcess)
	p.Stop(true, 10*time.Second)

	fmt.Printf("Processed %d tasks in %v (%.0f tasks/sec)\n",
		processed.Load(), processDuration,
		float64(processed.Load())/processDuration.Seconds())

	stats := p.Stats()
	fmt.Printf("\nPool stats: processed=%d failed=%d avg=%v\n",
		stats.Processed, stats.Failed, stats.AvgProcessing)
}
