// Package stats provides the cheap, always-compiled-in counters the
// paging subsystem uses to report fault counts, evictions and aging
// sweeps, adapted from the teacher kernel's stats package (Counter_t,
// Cycles_t, Stats2String) which counts IRQs and cycles the same way.
package stats

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
)

// Counter_t is a monotonically increasing statistic.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) {
	atomic.AddInt64((*int64)(c), delta)
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Frame2String converts a struct of Counter_t fields into a printable
// report, the same reflection-driven approach as Stats2String.
func Frame2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += fmt.Sprintf("\n\t#%s: %d", v.Type().Field(i).Name, n)
		}
	}
	return s + "\n"
}
