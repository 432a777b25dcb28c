// Command maybe succeeds with a probability, and fails otherwise.
// It's a stand-in for a flaky application when trying retry policies.
//
//	maybe 0.3       # exits 0 three times out of ten, 1 otherwise
//	maybe 0.3 75    # exits 75 when it fails
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
)

// parseArgs returns the probability of success and the exit code of a failure.
func parseArgs(args []string) (float64, int, error) {
	if len(args) != 1 && len(args) != 2 {
		return 0, 0, fmt.Errorf("usage: maybe probability [exit-code]")
	}
	prob, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("probability should be float, got %v", args[0])
	}
	prob = min(max(prob, 0), 1)
	code := 1
	if len(args) == 2 {
		code, err = strconv.Atoi(args[1])
		if err != nil || code < 1 || code > 255 {
			return 0, 0, fmt.Errorf("exit code should be 1-255, got %v", args[1])
		}
	}
	return prob, code, nil
}

// roll returns the exit code for v, a random number in [0, 1).
func roll(v, prob float64, code int) int {
	if v >= prob {
		return code
	}
	return 0
}

func main() {
	prob, code, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(roll(rand.Float64(), prob, code))
}
