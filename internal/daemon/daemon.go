// Package daemon wires the Producer and Consumer into one supervised
// run loop: it owns the event channel between them and implements the
// SyscoreResume-triggered reload (stop, join, rebuild, reattach) described
// in the system's concurrency and cancellation model.
package daemon

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/producer"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// DefaultReloadPollInterval is how often the supervisor checks the
// Producer's reload flag and, during a reload, polls Join for completion.
const DefaultReloadPollInterval = 500 * time.Millisecond

// ProducerFactory (re)builds a Producer wired to out. Called once at
// startup and again on every reload; the kernel-side BPF load/attach
// sequence this closure performs is an external collaborator, out of
// scope here.
type ProducerFactory func(out chan *events.EncodedEvent) (*producer.Producer, error)

// ConsumerRunner is the subset of *consumer.Consumer the daemon depends
// on, so tests can substitute a fake without a real namespace-switching
// thread.
type ConsumerRunner interface {
	Run() error
}

// Daemon supervises one Producer/Consumer pair for the process lifetime.
type Daemon struct {
	factory     ProducerFactory
	consumer    ConsumerRunner
	channel     chan *events.EncodedEvent
	pollEvery   time.Duration
	prod        *producer.Producer
	stopCh      chan struct{}
	stopped     atomic.Bool
}

// New builds a Daemon. channel is shared by every Producer incarnation
// across reloads so the Consumer never observes a gap.
func New(factory ProducerFactory, consumer ConsumerRunner, channel chan *events.EncodedEvent) *Daemon {
	return &Daemon{
		factory:   factory,
		consumer:  consumer,
		channel:   channel,
		pollEvery: DefaultReloadPollInterval,
		stopCh:    make(chan struct{}),
	}
}

// Run builds the initial Producer, starts the Consumer in the
// background, and supervises both until Stop is called or the initial
// Producer build fails. It returns the Consumer's own terminal error.
func (d *Daemon) Run() error {
	prod, err := d.factory(d.channel)
	if err != nil {
		return errors.Wrap(err, "building producer")
	}
	d.prod = prod
	d.prod.Start()

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- d.consumer.Run() }()

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.prod.Stop()
			d.prod.Join(d.pollEvery)
			close(d.channel)
			return <-consumerDone

		case <-ticker.C:
			if d.prod.ReloadRequested() {
				if err := d.reload(); err != nil {
					seclog.Errorf("producer reload failed: %v", err)
				}
			}
		}
	}
}

// Stop requests an orderly shutdown: the current Producer is stopped and
// joined, the shared channel is closed, and Run returns once the Consumer
// has drained it and exited.
func (d *Daemon) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	close(d.stopCh)
}

// SetPollInterval overrides the reload/shutdown poll interval; must be
// called before Run. Tests use this to avoid the 500ms production default.
func (d *Daemon) SetPollInterval(interval time.Duration) {
	d.pollEvery = interval
}

func (d *Daemon) reload() error {
	seclog.Infof("syscore resume observed, reloading producer")
	d.prod.Stop()
	d.prod.Join(d.pollEvery)

	prod, err := d.factory(d.channel)
	if err != nil {
		return errors.Wrap(err, "rebuilding producer after reload")
	}
	d.prod = prod
	d.prod.Start()
	return nil
}
