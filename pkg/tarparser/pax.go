package tarparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beam-cloud/tarmount/pkg/common"
)

// readPaxRecords parses the "<len> <key>=<value>\n" records of a pax
// extension member. The repeated GNU.sparse.offset/numbytes pairs of sparse
// format 0.0 are folded into the comma-separated map notation of format 0.1
// so one downstream representation serves both.
func (w *Walker) readPaxRecords(size int64) (map[string]string, error) {
	data, err := w.readData(size)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	rest := string(data)
	for len(rest) > 0 {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("pax record without length: %w", common.ErrTarHeaderCorrupt)
		}
		recLen, err := strconv.Atoi(strings.TrimLeft(rest[:sp], "\x00"))
		if err != nil || recLen <= sp || recLen > len(rest) {
			return nil, fmt.Errorf("pax record length %q: %w", rest[:sp], common.ErrTarHeaderCorrupt)
		}
		record := rest[sp+1 : recLen]
		rest = rest[recLen:]

		record = strings.TrimSuffix(record, "\n")
		eq := strings.IndexByte(record, '=')
		if eq < 0 {
			return nil, fmt.Errorf("pax record without value: %w", common.ErrTarHeaderCorrupt)
		}
		key, value := record[:eq], record[eq+1:]

		switch key {
		case "GNU.sparse.offset", "GNU.sparse.numbytes":
			if attrs["GNU.sparse.map"] != "" {
				attrs["GNU.sparse.map"] += ","
			}
			attrs["GNU.sparse.map"] += value
		default:
			attrs[key] = value
		}
	}
	return attrs, nil
}
