package main

import (
	"context"
	"fmt"

	cluster "github.com/Andrej220/go-utils/pcluster"
	"github.com/Andrej220/go-utils/pcluster/worker"
)

// task is one unit of work. Seq keeps equal numbers from sharing a key.
type task struct {
	Seq int `json:"seq"`
	N   int `json:"n"`
}

type result struct {
	Seq   int `json:"seq"`
	N     int `json:"n"`
	Value int `json:"value"`
}

func fib(n int) int {
	if n <= 1 {
		return n
	}
	return fib(n-1) + fib(n-2)
}

// fibHandler answers every task with its number plus fib(index).
// A negative number asks for a fresh worker process.
func fibHandler(index int) worker.Handler {
	return func(ctx context.Context, env cluster.Envelope) (any, error) {
		var t task
		if err := env.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		if t.N < 0 {
			return nil, worker.Respawn()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return result{Seq: t.Seq, N: t.N, Value: t.N + fib(index)}, nil
	}
}
