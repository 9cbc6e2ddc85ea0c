package network

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Token counts of the two lines that make up one iftop text row:
//
//	1 10.151.40.4:22           =>      1.63KB     1.10KB     1.10KB     2.20KB
//	  10.151.40.130:51000      <=        208B       132B       132B       264B
const (
	sendTokens    = 7
	receiveTokens = 6
)

// ParseIftop parses the text output of
//
//	iftop -t -P -N -n -B -s 40 -i <iface>
//
// into a ConnectionTable. The cumulative column is used. Every pair is
// recorded in both directions. Rows with an unexpected token count or an
// unparsable size are kept with sentinel (-1) traffic instead of failing
// the whole report. The returned count is the number of such rows.
func ParseIftop(out []byte) (ConnectionTable, int) {
	table := make(ConnectionTable)
	malformed := 0

	scanner := bufio.NewScanner(bytes.NewReader(out))
	var pending []string // tokens of a "=>" line waiting for its "<=" line
	for scanner.Scan() {
		tokens := strings.Fields(scanner.Text())
		switch {
		case containsToken(tokens, "=>"):
			if pending != nil {
				malformed++
			}
			pending = tokens
		case containsToken(tokens, "<="):
			if pending == nil {
				malformed++
				continue
			}
			if !recordPair(table, pending, tokens) {
				malformed++
			}
			pending = nil
		}
	}
	if pending != nil {
		malformed++
	}
	return table, malformed
}

func recordPair(table ConnectionTable, send, recv []string) bool {
	if len(send) < 2 || len(recv) < 1 {
		return false
	}
	local, remote := send[1], recv[0]

	t := Traffic{In: sentinel, Out: sentinel}
	ok := len(send) == sendTokens && len(recv) == receiveTokens
	if ok {
		out, errOut := ParseSize(send[len(send)-1])
		in, errIn := ParseSize(recv[len(recv)-1])
		if errOut == nil && errIn == nil {
			t = Traffic{In: in, Out: out}
		} else {
			ok = false
		}
	}

	table.add(Key(local, remote), t)
	table.add(Key(remote, local), Traffic{In: t.Out, Out: t.In})
	return ok
}

func containsToken(tokens []string, s string) bool {
	for _, t := range tokens {
		if t == s {
			return true
		}
	}
	return false
}

var sizeUnits = []struct {
	suffix string
	factor float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses an iftop byte size such as "1.63KB" or "264B".
func ParseSize(s string) (int64, error) {
	for _, u := range sizeUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(num, 64)
		if err != nil || v < 0 {
			return sentinel, fmt.Errorf("invalid size %q", s)
		}
		return int64(v * u.factor), nil
	}
	return sentinel, fmt.Errorf("invalid size %q", s)
}
