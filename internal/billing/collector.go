// Package billing implements the two-level usage aggregation model of
// spec component C9.
package billing

import (
	"fmt"
	"sync"

	"github.com/rapidaai/audioknife/internal/protocol"
)

type innerKey struct {
	service string
	scope   string
	name    string
}

// Collector aggregates BillingRecords per BillingId behind a single mutex.
// Hold time per operation is O(1); never await or block while holding the
// lock (spec §5).
type Collector struct {
	mu      sync.Mutex
	records map[protocol.BillingId]map[innerKey]protocol.BillingRecordValue
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{records: make(map[protocol.BillingId]map[innerKey]protocol.BillingRecordValue)}
}

// Record inserts or aggregates a single record at (service, scope, name)
// under id. Zero-valued records are dropped defensively, even though the
// conversation output helper already drops them (spec §4.7 open question).
func (c *Collector) Record(id protocol.BillingId, service, scope string, record protocol.BillingRecord) error {
	if record.IsZero() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.records[id]
	if !ok {
		bucket = make(map[innerKey]protocol.BillingRecordValue)
		c.records[id] = bucket
	}

	key := innerKey{service: service, scope: scope, name: record.Name}
	existing, ok := bucket[key]
	if !ok {
		bucket[key] = record.Value
		return nil
	}

	aggregated, err := existing.Aggregate(record.Value)
	if err != nil {
		return fmt.Errorf("billing: record %s/%s/%s: %w", service, scope, record.Name, err)
	}
	bucket[key] = aggregated
	return nil
}

// Collect removes id's bucket and groups its records by (service, scope).
// Ordering of groups and of records within a group is unspecified.
func (c *Collector) Collect(id protocol.BillingId) []protocol.GroupedBillingRecords {
	c.mu.Lock()
	bucket := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()

	if len(bucket) == 0 {
		return nil
	}

	type groupKey struct{ service, scope string }
	grouped := make(map[groupKey][]protocol.BillingRecord)
	for key, value := range bucket {
		gk := groupKey{service: key.service, scope: key.scope}
		grouped[gk] = append(grouped[gk], protocol.BillingRecord{Name: key.name, Value: value})
	}

	out := make([]protocol.GroupedBillingRecords, 0, len(grouped))
	for gk, records := range grouped {
		out = append(out, protocol.GroupedBillingRecords{Service: gk.service, Scope: gk.scope, Records: records})
	}
	return out
}
