package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phietala/belt"
	"github.com/phietala/belt/pkg/api"
)

var (
	resultWait    bool
	resultTimeout time.Duration
)

var resultCmd = &cobra.Command{
	Use:   "result <request-id>",
	Short: "Fetch the stored result of a request",
	Example: `  beltworker result 01b7a9e2-...
  beltworker result req-demo-1 --wait --timeout 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

func init() {
	rootCmd.AddCommand(resultCmd)

	resultCmd.Flags().BoolVarP(&resultWait, "wait", "w", false, "poll until the request reaches a terminal state")
	resultCmd.Flags().DurationVar(&resultTimeout, "timeout", 30*time.Second, "give up after this long with --wait")
}

func runResult(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	backend, closeBackend, err := cfg.buildBackend()
	if err != nil {
		return err
	}
	defer closeBackend()
	if backend == nil {
		return fmt.Errorf("backend kind %q stores no results", cfg.Backend.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()

	var res *belt.ResultMeta
	if resultWait {
		res, err = belt.WaitForResult(ctx, backend, args[0], 0)
	} else {
		res, err = belt.GetResult(ctx, backend, args[0])
	}
	if err != nil {
		if errors.Is(err, api.ErrResultNotFound) {
			return fmt.Errorf("no result for request %s", args[0])
		}
		return err
	}

	fmt.Printf("task:    %s\n", res.Name)
	fmt.Printf("state:   %s\n", res.State)
	fmt.Printf("retries: %d\n", res.Retries)
	if len(res.Value) > 0 {
		fmt.Printf("value:   %s\n", res.Value)
	}
	if res.Error != nil {
		fmt.Printf("error:   %s\n", res.Error.Error())
	}
	return nil
}
