package payload

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Order defines how destinations are picked.
type Order string

const (
	// OrderSequential walks the list in file order, wrapping around.
	OrderSequential Order = "sequential"
	// OrderRandom picks a uniformly random entry per submission.
	OrderRandom Order = "random"
)

const destinationColumn = "destination_addr"

// Destinations is a pool of destination addresses shared by every bind.
// Next is safe for concurrent use.
type Destinations struct {
	addrs   []string
	order   Order
	counter atomic.Uint64
}

// NewDestinations creates a pool over addrs.
func NewDestinations(addrs []string, order Order) *Destinations {
	if order == "" {
		order = OrderSequential
	}
	return &Destinations{addrs: addrs, order: order}
}

// Len returns the number of addresses.
func (d *Destinations) Len() int {
	return len(d.addrs)
}

// Next returns the address for the next submission, or "" for an empty pool.
func (d *Destinations) Next() string {
	if len(d.addrs) == 0 {
		return ""
	}
	if d.order == OrderRandom {
		return d.addrs[rand.Intn(len(d.addrs))]
	}
	n := d.counter.Add(1) - 1
	return d.addrs[n%uint64(len(d.addrs))]
}

// LoadDestinations reads addresses from a .csv, .json or .txt file.
//
// CSV files need a header row; the destination_addr column is used, or the
// only column when there is one. JSON files hold an array of strings or of
// objects with a destination_addr field. Text files hold one address per line.
func LoadDestinations(path string, order Order) (*Destinations, error) {
	var addrs []string
	var err error

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		addrs, err = loadCSV(path)
	case ".json":
		addrs, err = loadJSON(path)
	case ".txt":
		addrs, err = loadLines(path)
	default:
		return nil, fmt.Errorf("unsupported destinations format %q (use .csv, .json or .txt)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("destinations file %s is empty", path)
	}
	return NewDestinations(addrs, order), nil
}

func loadCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV must have a header row and at least one data row")
	}

	header := records[0]
	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == destinationColumn {
			col = i
		}
	}
	if col == -1 {
		if len(header) != 1 {
			return nil, fmt.Errorf("CSV has %d columns and none named %q", len(header), destinationColumn)
		}
		col = 0
	}

	addrs := make([]string, 0, len(records)-1)
	for line, record := range records[1:] {
		if col >= len(record) || strings.TrimSpace(record[col]) == "" {
			return nil, fmt.Errorf("row %d: empty %s", line+2, destinationColumn)
		}
		addrs = append(addrs, strings.TrimSpace(record[col]))
	}
	return addrs, nil
}

func loadJSON(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var addrs []string
	if err := json.Unmarshal(data, &addrs); err == nil {
		return addrs, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("JSON must be an array of strings or objects: %w", err)
	}
	addrs = make([]string, 0, len(rows))
	for i, row := range rows {
		v, ok := row[destinationColumn].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("element %d: missing string %s", i, destinationColumn)
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

func loadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			addrs = append(addrs, line)
		}
	}
	return addrs, nil
}
