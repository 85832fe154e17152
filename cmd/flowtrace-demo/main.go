// Command flowtrace-demo exercises the tracing engine end to end: it wraps
// a few sample callables, produces an oversized result to trigger size
// governance, and runs an asynchronous call, writing the trace stream and
// segment files into the configured locations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	flowtrace "github.com/flowtrace/flowtrace-go"
)

type reportBuilder struct {
	Render func(title string) string
}

func newReportBuilder() *reportBuilder {
	return &reportBuilder{
		Render: func(title string) string {
			return "# " + strings.ToUpper(title)
		},
	}
}

func main() {
	configPath := flag.String("config", "flowtrace.yaml", "Config file path")
	flag.Parse()

	cfg, err := flowtrace.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tracer, err := flowtrace.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracer.Close()

	multiply := tracer.Wrap(func(a, b int) int {
		return a * b
	}, "demo/calc").(func(int, int) int)

	blob := tracer.WrapNamed(func(size int) string {
		return strings.Repeat("x", size)
	}, "demo/blob", "Fetch").(func(int) string)

	fetchAsync := tracer.WrapNamed(func(ctx context.Context, n int) *flowtrace.Future[int] {
		return flowtrace.Go(func() (int, error) {
			time.Sleep(50 * time.Millisecond)
			return n * n, nil
		})
	}, "demo/async", "Square").(func(context.Context, int) *flowtrace.Future[int])

	ctx, tag := tracer.WithTag(context.Background())
	log.Printf("execution tag: %s", tag)

	fmt.Println("multiply(6, 7) =", multiply(6, 7))
	fmt.Println("len(Fetch(5000)) =", len(blob(5000)))

	square, err := fetchAsync(ctx, 12).Await(ctx)
	if err != nil {
		log.Fatalf("Async call failed: %v", err)
	}
	fmt.Println("Square(12) =", square)

	ctor := tracer.WrapConstructor(newReportBuilder, "demo/report").(func() *reportBuilder)
	fmt.Println(ctor().Render("monthly summary"))

	log.Printf("trace written to %s", cfg.LogFile)
}
