package api

import "fmt"

// Strategy selects how the execution pool runs handlers.
type Strategy string

const (
	// StrategySolo runs everything on a single in-process slot.
	StrategySolo Strategy = "solo"

	// StrategyGoroutine runs handlers on a pool of goroutines.
	StrategyGoroutine Strategy = "goroutine"

	// StrategyThread is StrategyGoroutine with each running handler
	// pinned to its own OS thread.
	StrategyThread Strategy = "thread"

	// StrategySpawn runs handlers in child worker processes started
	// cold, isolated from the parent's memory.
	StrategySpawn Strategy = "spawn"

	// StrategyFork is the copy-on-write process model. The Go runtime
	// cannot fork without exec, so pools configured with it fail to
	// start on every platform; use StrategySpawn instead.
	StrategyFork Strategy = "fork"
)

// ParseStrategy maps a configuration string to a Strategy. Both the Go
// names and the generic pool-model names are accepted.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "solo":
		return StrategySolo, nil
	case "goroutine", "green-thread", "greenthread":
		return StrategyGoroutine, nil
	case "thread", "native-thread":
		return StrategyThread, nil
	case "spawn", "process-spawn":
		return StrategySpawn, nil
	case "fork", "process-fork":
		return StrategyFork, nil
	default:
		return "", fmt.Errorf("unknown pool strategy %q", s)
	}
}
