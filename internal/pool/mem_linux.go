//go:build linux

package pool

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// residentSetBytes reads the resident set size of pid from /proc. It
// returns 0 when the process is gone or the field is missing, which
// callers treat as "no data" rather than "over limit".
func residentSetBytes(pid int) int64 {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("VmRSS:")) {
			continue
		}
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
