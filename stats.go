// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ysyzqq/tlsreactor/pool/bytebuffer"
)

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Stats aggregates the counters of a run. One handle is shared by every
// reactor of the run; it only locks when more than one reactor uses it.
type Stats struct {
	mu     sync.Locker
	budget Budget

	conns      int64
	resumed    int64
	readBytes  int64
	writeBytes int64

	// byte budget bookkeeping
	readReserved  int64 // granted by ReadCap, not yet recorded
	writeReserved int64 // granted by WriteCap, not yet written
	openReplies   int64 // reads that still owe their reply
	cycles        int64 // replies settled, sent in full or dropped

	acceptTime time.Duration
	resumeTime time.Duration
	asyncTime  time.Duration
	readTime   time.Duration
	writeTime  time.Duration

	start time.Time
	end   time.Time

	descs statsDescs
}

type statsDescs struct {
	conns, resumed, readBytes, writeBytes *prometheus.Desc
	acceptTime, resumeTime, asyncTime     *prometheus.Desc
	readTime, writeTime                   *prometheus.Desc
}

// NewStats creates the counters of a run. shared must be true when more than
// one reactor records into them.
func NewStats(budget Budget, shared bool) *Stats {
	s := &Stats{budget: budget, mu: noopLocker{}}
	if shared {
		s.mu = new(sync.Mutex)
	}
	s.descs = statsDescs{
		conns:      prometheus.NewDesc("tlsreactor_connections_total", "Connections served and closed.", nil, nil),
		resumed:    prometheus.NewDesc("tlsreactor_resumed_connections_total", "Closed connections that resumed a session.", nil, nil),
		readBytes:  prometheus.NewDesc("tlsreactor_read_bytes_total", "Application bytes read.", nil, nil),
		writeBytes: prometheus.NewDesc("tlsreactor_write_bytes_total", "Application bytes written.", nil, nil),
		acceptTime: prometheus.NewDesc("tlsreactor_accept_seconds_total", "Time spent in full handshakes.", nil, nil),
		resumeTime: prometheus.NewDesc("tlsreactor_resume_seconds_total", "Time spent in resumed handshakes.", nil, nil),
		asyncTime:  prometheus.NewDesc("tlsreactor_async_seconds_total", "Time spent polling crypto completions.", nil, nil),
		readTime:   prometheus.NewDesc("tlsreactor_read_seconds_total", "Time spent in record reads.", nil, nil),
		writeTime:  prometheus.NewDesc("tlsreactor_write_seconds_total", "Time spent in record writes.", nil, nil),
	}
	return s
}

// RecordAccept adds the duration of one handshake step.
func (s *Stats) RecordAccept(d time.Duration, resumed bool) {
	s.mu.Lock()
	if resumed {
		s.resumeTime += d
	} else {
		s.acceptTime += d
	}
	s.mu.Unlock()
}

// RecordRead adds one read step. reserved is what ReadCap granted for it.
// A read that returned data opens a reply that must be settled with
// SettleReply.
func (s *Stats) RecordRead(n, reserved int, d time.Duration) {
	s.mu.Lock()
	s.readBytes += int64(n)
	s.readTime += d
	if s.budget.Mode == BudgetBytes {
		s.readReserved = release(s.readReserved, reserved)
	}
	if n > 0 {
		s.openReplies++
	}
	s.mu.Unlock()
}

// RecordWrite adds one write step.
func (s *Stats) RecordWrite(n int, d time.Duration) {
	s.mu.Lock()
	s.writeBytes += int64(n)
	s.writeTime += d
	if s.budget.Mode == BudgetBytes {
		s.writeReserved = release(s.writeReserved, n)
	}
	s.mu.Unlock()
}

// SettleReply ends the reply opened by a read. unsent is the part of the
// WriteCap grant that was never written, non-zero when the connection died
// mid-reply.
func (s *Stats) SettleReply(unsent int) {
	s.mu.Lock()
	if s.openReplies > 0 {
		s.openReplies--
	}
	s.cycles++
	if s.budget.Mode == BudgetBytes {
		s.writeReserved = release(s.writeReserved, unsent)
	}
	s.mu.Unlock()
}

func release(reserved int64, n int) int64 {
	if reserved -= int64(n); reserved < 0 {
		return 0
	}
	return reserved
}

// RecordAsync adds time spent draining crypto completions.
func (s *Stats) RecordAsync(d time.Duration) {
	s.mu.Lock()
	s.asyncTime += d
	s.mu.Unlock()
}

// RecordClose counts a closed connection. first is true for the first
// connection of the run.
func (s *Stats) RecordClose(resumed bool) (first bool) {
	s.mu.Lock()
	first = s.conns == 0
	s.conns++
	if resumed {
		s.resumed++
	}
	s.mu.Unlock()
	return
}

// MarkStart starts the run clock at the first accepted connection.
func (s *Stats) MarkStart(now time.Time) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = now
	}
	s.mu.Unlock()
}

// markEnd stops the run clock.
func (s *Stats) markEnd(now time.Time) {
	s.mu.Lock()
	if s.end.IsZero() {
		s.end = now
	}
	s.mu.Unlock()
}

// ReadCap reserves up to quota bytes of a byte budget for one read and
// returns the size of the grant. Grants of concurrent readers never add up
// past the budget. No new read is granted once the replies already reserved
// spend the write side. A budget of zero grants exactly one uncapped
// request/reply cycle.
func (s *Stats) ReadCap(quota int) int {
	if s.budget.Mode != BudgetBytes {
		return quota
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.budget.Limit
	if limit == 0 {
		if s.cycles > 0 || s.openReplies > 0 || s.readReserved > 0 {
			return 0
		}
		s.readReserved += int64(quota)
		return quota
	}
	if s.writeBytes+s.writeReserved >= limit {
		return 0
	}
	n := capQuota(quota, limit-s.readBytes-s.readReserved)
	s.readReserved += int64(n)
	return n
}

// WriteCap reserves the reply of the current cycle out of a byte budget and
// returns how much of it may be written.
func (s *Stats) WriteCap(quota int) int {
	if s.budget.Mode != BudgetBytes {
		return quota
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.budget.Limit
	if limit == 0 {
		if s.cycles > 0 {
			return 0
		}
		s.writeReserved += int64(quota)
		return quota
	}
	n := capQuota(quota, limit-s.writeBytes-s.writeReserved)
	s.writeReserved += int64(n)
	return n
}

func capQuota(quota int, left int64) int {
	if left <= 0 {
		return 0
	}
	if int64(quota) > left {
		return int(left)
	}
	return quota
}

// Done reports whether the budget of the run is spent. A byte budget is
// spent once either direction reached it and every reply opened so far was
// settled.
func (s *Stats) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget.Mode == BudgetConnections {
		return s.conns >= s.budget.Limit
	}
	if s.openReplies > 0 || s.readReserved > 0 || s.cycles == 0 {
		return false
	}
	return s.readBytes >= s.budget.Limit || s.writeBytes >= s.budget.Limit
}

// Snapshot copies the counters into a Report.
func (s *Stats) Snapshot() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		Connections: s.conns,
		Resumed:     s.resumed,
		ReadBytes:   s.readBytes,
		WriteBytes:  s.writeBytes,
		AcceptTime:  s.acceptTime,
		ResumeTime:  s.resumeTime,
		AsyncTime:   s.asyncTime,
		ReadTime:    s.readTime,
		WriteTime:   s.writeTime,
	}
	if !s.start.IsZero() {
		end := s.end
		if end.IsZero() {
			end = time.Now()
		}
		r.Elapsed = end.Sub(s.start)
	}
	return r
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.descs.conns
	ch <- s.descs.resumed
	ch <- s.descs.readBytes
	ch <- s.descs.writeBytes
	ch <- s.descs.acceptTime
	ch <- s.descs.resumeTime
	ch <- s.descs.asyncTime
	ch <- s.descs.readTime
	ch <- s.descs.writeTime
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	r := s.Snapshot()
	counter := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v)
	}
	counter(s.descs.conns, float64(r.Connections))
	counter(s.descs.resumed, float64(r.Resumed))
	counter(s.descs.readBytes, float64(r.ReadBytes))
	counter(s.descs.writeBytes, float64(r.WriteBytes))
	counter(s.descs.acceptTime, r.AcceptTime.Seconds())
	counter(s.descs.resumeTime, r.ResumeTime.Seconds())
	counter(s.descs.asyncTime, r.AsyncTime.Seconds())
	counter(s.descs.readTime, r.ReadTime.Seconds())
	counter(s.descs.writeTime, r.WriteTime.Seconds())
}

// Report is the outcome of a run.
type Report struct {
	Connections int64
	Resumed     int64
	ReadBytes   int64
	WriteBytes  int64

	AcceptTime time.Duration
	ResumeTime time.Duration
	AsyncTime  time.Duration
	ReadTime   time.Duration
	WriteTime  time.Duration

	// Elapsed runs from the first accepted connection to the end of the run.
	Elapsed time.Duration

	// ReplySize is the reply length the run was configured with.
	ReplySize int
	// Async tells whether crypto completions were polled.
	Async bool
}

// FullHandshakes is the number of connections that did not resume a session.
func (r Report) FullHandshakes() int64 {
	return r.Connections - r.Resumed
}

// AcceptAvg is the mean full handshake time.
func (r Report) AcceptAvg() time.Duration {
	return avg(r.AcceptTime, r.FullHandshakes())
}

// ResumeAvg is the mean resumed handshake time.
func (r Report) ResumeAvg() time.Duration {
	return avg(r.ResumeTime, r.Resumed)
}

// ConnectionAvg is the elapsed time per connection.
func (r Report) ConnectionAvg() time.Duration {
	return avg(r.Elapsed, r.Connections)
}

// ReadThroughput is bytes read per second of the run.
func (r Report) ReadThroughput() float64 {
	return rate(float64(r.ReadBytes), r.Elapsed)
}

// WriteThroughput is bytes written per second of the run.
func (r Report) WriteThroughput() float64 {
	return rate(float64(r.WriteBytes), r.Elapsed)
}

// ConnectionRate is connections per second of the run.
func (r Report) ConnectionRate() float64 {
	return rate(float64(r.Connections), r.Elapsed)
}

func avg(d time.Duration, n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return d / time.Duration(n)
}

func rate(v float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return v / d.Seconds()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func mbps(n int64, d time.Duration) float64 {
	return rate(float64(n), d) / 1024 / 1024
}

// WriteTo renders the benchmark table.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	buf := bytebuffer.Get()
	defer bytebuffer.Put(buf)
	fmt.Fprintf(buf, "TLS Server Benchmark %d bytes\n", r.ReplySize)
	fmt.Fprintf(buf, "\tNum Conns         : %9d\n", r.FullHandshakes())
	fmt.Fprintf(buf, "\tTotal             : %9.3f ms\n", ms(r.Elapsed))
	fmt.Fprintf(buf, "\tTotal Avg         : %9.3f ms\n", ms(r.ConnectionAvg()))
	fmt.Fprintf(buf, "\tt/s               : %9.3f\n", r.ConnectionRate())
	fmt.Fprintf(buf, "\tAccept            : %9.3f ms\n", ms(r.AcceptTime))
	fmt.Fprintf(buf, "\tAccept Avg        : %9.3f ms\n", ms(r.AcceptAvg()))
	if r.Resumed > 0 {
		fmt.Fprintf(buf, "\tResumed Conns     : %9d\n", r.Resumed)
		fmt.Fprintf(buf, "\tResume            : %9.3f ms\n", ms(r.ResumeTime))
		fmt.Fprintf(buf, "\tResume Avg        : %9.3f ms\n", ms(r.ResumeAvg()))
	}
	if r.Async {
		fmt.Fprintf(buf, "\tAsync             : %9.3f ms\n", ms(r.AsyncTime))
		fmt.Fprintf(buf, "\tAsync Avg         : %9.3f ms\n", ms(avg(r.AsyncTime, r.Connections)))
	}
	fmt.Fprintf(buf, "\tTotal Read bytes  : %9d bytes\n", r.ReadBytes)
	fmt.Fprintf(buf, "\tTotal Write bytes : %9d bytes\n", r.WriteBytes)
	fmt.Fprintf(buf, "\tRead              : %9.3f ms (%9.3f MBps)\n", ms(r.ReadTime), mbps(r.ReadBytes, r.ReadTime))
	fmt.Fprintf(buf, "\tWrite             : %9.3f ms (%9.3f MBps)\n", ms(r.WriteTime), mbps(r.WriteBytes, r.WriteTime))
	n, err := w.Write(buf.B)
	return int64(n), err
}
