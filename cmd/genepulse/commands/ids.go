package commands

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/teranos/genepulse/errors"
)

// readEntityIDs reads identifiers from r: one or more per line, separated by
// commas or whitespace. Blank lines and lines starting with # are skipped.
func readEntityIDs(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, splitIDs(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read identifiers")
	}
	return ids, nil
}

func splitIDs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// collectEntityIDs merges arguments with the identifiers in file ("-" reads stdin)
func collectEntityIDs(args []string, file string, stdin io.Reader) ([]string, error) {
	var ids []string
	for _, arg := range args {
		ids = append(ids, splitIDs(arg)...)
	}

	if file != "" {
		var r io.Reader = stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open identifier file %s", file)
			}
			defer f.Close()
			r = f
		}
		fromFile, err := readEntityIDs(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fromFile...)
	}

	if len(ids) == 0 {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("no gene identifiers given"),
			"pass identifiers as arguments or with --file")
	}
	return ids, nil
}
