package cmds

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cosiner/argv"

	"github.com/maskregs/maskregs/pkg/query"
)

// readBatch reads the queries of a batch file. Every non blank line that
// does not start with '#' is an address optionally followed by a mode,
// split with shell quoting rules. Lines without a mode use defaultMode.
func readBatch(path string, defaultMode query.Mode) ([]query.Query, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var qs []query.Query
	s := bufio.NewScanner(fh)
	lineno := 0
	for s.Scan() {
		lineno++
		q, ok, err := parseBatchLine(s.Text(), defaultMode)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", path, lineno, err)
		}
		if ok {
			qs = append(qs, q)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return qs, nil
}

func parseBatchLine(line string, defaultMode query.Mode) (q query.Query, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return q, false, nil
	}
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return q, false, err
	}
	if len(v) != 1 || len(v[0]) == 0 || len(v[0]) > 2 {
		return q, false, fmt.Errorf("illegal query '%s'", line)
	}
	w := v[0]
	q.PC, err = parsePC(w[0])
	if err != nil {
		return q, false, err
	}
	q.Mode = defaultMode
	if len(w) == 2 {
		q.Mode, err = query.ParseMode(w[1])
		if err != nil {
			return q, false, err
		}
	}
	return q, true, nil
}
