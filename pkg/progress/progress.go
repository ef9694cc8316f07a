// Package progress reports how far a backup run has got while it executes.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const minTickerTime = time.Second / 60

// Progress accumulates Stat reports and hands them to the callbacks, on every
// tick and at most once per minTickerTime on Report.
type Progress struct {
	OnStart   func()
	OnUpdate  Func
	OnDone    Func
	funcMutex sync.Mutex

	currentStat  Stat
	currentMutex sync.Mutex
	startTime    time.Time
	ticker       *time.Ticker
	cancel       chan struct{}
	once         sync.Once
	duration     time.Duration
	lastUpdate   time.Time

	running bool
}

// Stat is the work done by a run so far.
type Stat struct {
	Steps        uint64
	Destinations uint64
	Bytes        uint64
	Errors       uint64
}

// Func receives the accumulated statistics.
type Func func(s Stat, runtime time.Duration, ticker bool)

// New returns a reporter ticking every d.
func New(d time.Duration) *Progress {
	return &Progress{duration: d}
}

// Start resets and runs the progress reporter.
func (p *Progress) Start() {
	if p == nil || p.running {
		return
	}

	p.once = sync.Once{}
	p.cancel = make(chan struct{})
	p.running = true
	p.Reset()
	p.startTime = time.Now()
	p.ticker = time.NewTicker(p.duration)

	if p.OnStart != nil {
		p.OnStart()
	}
	go p.reporter(p.ticker, p.cancel)
}

// Reset resets all statistic counters to zero.
func (p *Progress) Reset() {
	if p == nil {
		return
	}

	if !p.running {
		panic("resetting a non-running Progress")
	}
	p.currentMutex.Lock()
	p.currentStat = Stat{}
	p.currentMutex.Unlock()
}

func (p *Progress) updateProgress(current Stat, ticker bool) {
	if p.OnUpdate == nil {
		return
	}

	p.funcMutex.Lock()
	p.OnUpdate(current, time.Since(p.startTime), ticker)
	p.funcMutex.Unlock()
}

func (p *Progress) reporter(ticker *time.Ticker, cancel <-chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p.currentMutex.Lock()
			current := p.currentStat
			p.currentMutex.Unlock()
			p.updateProgress(current, true)
		case <-cancel:
			ticker.Stop()
			return
		}
	}
}

// Report adds the statistics from s to the current state and reports the
// accumulated statistics unless that happened less than minTickerTime ago.
func (p *Progress) Report(s Stat) {
	if p == nil {
		return
	}

	if !p.running {
		panic("reporting in a non-running Progress")
	}
	p.currentMutex.Lock()
	p.currentStat.Add(s)
	current := p.currentStat
	needUpdate := false
	if time.Since(p.lastUpdate) > minTickerTime {
		p.lastUpdate = time.Now()
		needUpdate = true
	}
	p.currentMutex.Unlock()

	if needUpdate {
		p.updateProgress(current, false)
	}
}

// Current returns the accumulated statistics.
func (p *Progress) Current() Stat {
	if p == nil {
		return Stat{}
	}
	p.currentMutex.Lock()
	defer p.currentMutex.Unlock()
	return p.currentStat
}

// Done stops the reporter and hands the final statistics to OnDone.
func (p *Progress) Done() {
	if p == nil || !p.running {
		return
	}

	p.running = false
	p.once.Do(func() {
		close(p.cancel)
	})
	cur := p.Current()
	if p.OnDone != nil {
		p.funcMutex.Lock()
		p.OnDone(cur, time.Since(p.startTime), false)
		p.funcMutex.Unlock()
	}
}

// Writer returns a writer reporting every byte written through it.
func (p *Progress) Writer(w io.Writer) io.Writer {
	return writer{w: w, p: p}
}

type writer struct {
	w io.Writer
	p *Progress
}

func (w writer) Write(buf []byte) (int, error) {
	n, err := w.w.Write(buf)
	w.p.Report(Stat{Bytes: uint64(n)})
	return n, err
}

// Add accumulates other into s.
func (s *Stat) Add(other Stat) {
	s.Steps += other.Steps
	s.Destinations += other.Destinations
	s.Bytes += other.Bytes
	s.Errors += other.Errors
}

func (s Stat) String() string {
	return fmt.Sprintf("Stat(%d steps, %d destinations, %d errors, %s)",
		s.Steps, s.Destinations, s.Errors, humanize.IBytes(s.Bytes))
}
