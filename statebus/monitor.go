package statebus

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/golang/glog"
)

const busMonitorReportPeriod = 30 * time.Second

// Keeps serving session stats and reports them periodically
type BusMonitor struct {
	sync.Mutex

	ticks        int
	changes      int
	items        int
	encodeCalls  int
	droppedItems int
	overflows    int
	pressure     int
	tickDur      *movingaverage.MovingAverage

	stopCh chan struct{}
}

func NewBusMonitor() *BusMonitor {
	return &BusMonitor{
		tickDur: movingaverage.New(64),
	}
}

func (self *BusMonitor) TickServed(dur time.Duration, stats *CompileStats) {
	self.Lock()
	defer self.Unlock()

	self.ticks += 1
	self.changes += stats.Changes
	self.items += stats.ItemCount()
	self.encodeCalls += stats.EncodeCalls
	self.droppedItems += stats.DroppedItems
	self.tickDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

func (self *BusMonitor) Overflow() {
	self.Lock()
	defer self.Unlock()

	self.overflows += 1
}

func (self *BusMonitor) QueuePressure() {
	self.Lock()
	defer self.Unlock()

	self.pressure += 1
}

func (self *BusMonitor) Start() {
	self.Lock()
	defer self.Unlock()

	if self.stopCh != nil {
		return
	}
	self.stopCh = make(chan struct{})
	go self.worker(self.stopCh)
}

func (self *BusMonitor) Stop() {
	self.Lock()
	defer self.Unlock()

	if self.stopCh == nil {
		return
	}
	close(self.stopCh)
	self.stopCh = nil
}

func (self *BusMonitor) worker(stopCh chan struct{}) {
	tickCh := time.Tick(busMonitorReportPeriod)
	for {
		select {
		case <-stopCh:
			return
		case <-tickCh:
			self.report()
		}
	}
}

func (self *BusMonitor) report() {
	self.Lock()
	defer self.Unlock()

	seconds := float64(busMonitorReportPeriod) / float64(time.Second)
	glog.V(1).Infof(
		"[mon]ticks/s=%.1f changes/s=%.1f items/s=%.1f encodes/s=%.1f tick[ms]=%.2f dropped=%d overflows=%d pressure=%d\n",
		float64(self.ticks)/seconds,
		float64(self.changes)/seconds,
		float64(self.items)/seconds,
		float64(self.encodeCalls)/seconds,
		self.tickDur.Avg(),
		self.droppedItems,
		self.overflows,
		self.pressure,
	)
	self.ticks = 0
	self.changes = 0
	self.items = 0
	self.encodeCalls = 0
	self.droppedItems = 0
	self.overflows = 0
	self.pressure = 0
}
