package network

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// lsofTokens is the token count of an established TCP line of `lsof -i -n -P`:
//
//	python 12345 root 3u IPv4 123456 0t0 TCP 10.0.0.1:5000->10.0.0.2:45678 (ESTABLISHED)
const lsofTokens = 10

const established = "(ESTABLISHED)"

// ParseLsof extracts the local endpoints of established connections from
// `lsof -i -n -P` output, keyed by the PID column. A namespace can hold
// many processes, so every row keeps its own owner. Established lines with
// the wrong token count or a bad pid are skipped and counted.
func ParseLsof(out []byte) (ProcessSocketMap, int) {
	sockets := make(ProcessSocketMap)
	malformed := 0

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasSuffix(strings.TrimSpace(line), established) {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) != lsofTokens {
			malformed++
			continue
		}
		pid, err := strconv.Atoi(tokens[1])
		if err != nil || pid <= 0 {
			malformed++
			continue
		}
		local, _, ok := strings.Cut(tokens[lsofTokens-2], "->")
		if !ok || local == "" {
			malformed++
			continue
		}
		sockets.Add(pid, local)
	}
	return sockets, malformed
}
