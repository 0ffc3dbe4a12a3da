// Package main implements the shardatlas workload tool.
//
// The tool drives a shard atlas with a synthetic workload described in a
// YAML file: it maps a set of shards across the device pool and the swap
// store, then hammers the atlas from many goroutines with lookups and
// atomic swaps, reporting the resulting statistics. Optionally exposes a
// prometheus /metrics endpoint while the workload runs.
//
// Usage:
//
//	shardatlas run workload.yaml
//	shardatlas run --debug --metrics :9090 workload.yaml
//	shardatlas version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
