/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/opendnssec/xfrd/xfrcore"
)

// zoneRuntime is the daemon-side bundle around one xfrcore.ZoneState: its
// configuration, journal, ACLs and per-attempt TSIG context. The decision
// logic itself lives entirely in xfrcore (ChooseWire, Classify,
// HandleResponse, ...); this struct only adds the I/O handles xfrcore
// deliberately keeps out of its own types (§9 DESIGN NOTES).
type zoneRuntime struct {
	cfg   xfrcore.ZoneConfig
	state *xfrcore.ZoneState

	journal     *xfrcore.Journal
	journalPath string

	aclRequestXFR  xfrcore.List
	aclAllowNotify xfrcore.List
	aclProvideXFR  xfrcore.List
	aclDoNotify    xfrcore.List

	tsigKey  *xfrcore.Key
	tsigAlgo *xfrcore.Algorithm

	// attempt is non-nil while a transfer attempt (UDP probe or TCP
	// transfer) is in flight; it owns the reactor handler and, for TCP,
	// the tcpset slot for that attempt.
	attempt *attemptState

	refreshTimerID xfrcore.HandlerID
}

// daemon is the top-level process state: one Reactor (§4.5), one shared
// TCP connection pool (§4.6) used for every zone's outbound transfer
// attempts, one NOTIFY scheduler (§4.8), and the per-zone runtimes.
type daemon struct {
	cfg      *xfrcore.Config
	registry *xfrcore.Registry
	clock    xfrcore.Clock

	reactor  *xfrcore.Reactor
	tcp      *xfrcore.Set
	notifies *xfrcore.Scheduler

	// zones is a cmap.ConcurrentMap rather than a plain map: the inbound
	// transfer/NOTIFY state machines run on the single reactor thread,
	// but accepted AXFR/IXFR requests and control-socket commands are
	// each served on their own goroutine (listeners.go) and look zones up
	// concurrently with a config reload replacing the map's contents.
	zones cmap.ConcurrentMap[string, *zoneRuntime]

	udpConns        []*net.UDPConn
	tcpListeners    []net.Listener
	controlListener net.Listener

	sigch chan os.Signal
	quit  bool
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := xfrcore.SetupLogging(cfg.Log); err != nil {
		return err
	}
	log.Printf("xfrd %s starting, config %s", appVersion, cfgFile)

	reg, err := xfrcore.BuildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("xfrd: build tsig registry: %w", err)
	}

	d := &daemon{
		cfg:      cfg,
		registry: reg,
		clock:    xfrcore.WallClock{},
		reactor:  xfrcore.NewReactor(xfrcore.WallClock{}),
		tcp:      xfrcore.NewSet(),
		notifies: xfrcore.NewScheduler(),
		zones:    cmap.New[*zoneRuntime](),
	}

	for name, zc := range cfg.Zones {
		zr, err := d.buildZoneRuntime(name, zc)
		if err != nil {
			return fmt.Errorf("xfrd: zone %s: %w", name, err)
		}
		d.zones.Set(name, zr)
		d.scheduleInitialAttempt(zr)
	}

	if err := d.startListeners(); err != nil {
		return err
	}
	if err := d.startControlListener(); err != nil {
		return err
	}
	d.installSignalHandling()

	log.Printf("xfrd: serving %d zones", d.zones.Count())
	for !d.quit {
		if err := d.reactor.Dispatch(time.Second, d.sigmaskPtr()); err != nil {
			log.Printf("xfrd: reactor dispatch: %v", err)
		}
		d.processPendingSignals()
	}
	log.Printf("xfrd: shutting down")
	d.closeListeners()
	d.closeZoneJournals()
	return nil
}

// closeListeners tears down every bound socket on orderly shutdown.
func (d *daemon) closeListeners() {
	for _, c := range d.udpConns {
		_ = c.Close()
	}
	for _, ln := range d.tcpListeners {
		_ = ln.Close()
	}
	if d.controlListener != nil {
		_ = d.controlListener.Close()
	}
}

// buildZoneRuntime resolves a zone's ACLs, opens its journal, and builds
// a fresh xfrcore.ZoneState, recovering serial_disk and serial_xfr from
// the zone's `.xfrd-state` backup file (LoadZoneState) if one exists.
func (d *daemon) buildZoneRuntime(name string, zc xfrcore.ZoneConfig) (*zoneRuntime, error) {
	reqXFR, err := xfrcore.BuildACLList(zc.RequestXFR)
	if err != nil {
		return nil, fmt.Errorf("request_xfr acl: %w", err)
	}
	allowNotify, err := xfrcore.BuildACLList(zc.AllowNotify)
	if err != nil {
		return nil, fmt.Errorf("allow_notify acl: %w", err)
	}
	provideXFR, err := xfrcore.BuildACLList(zc.ProvideXFR)
	if err != nil {
		return nil, fmt.Errorf("provide_xfr acl: %w", err)
	}
	doNotify, err := xfrcore.BuildACLList(zc.DoNotify)
	if err != nil {
		return nil, fmt.Errorf("do_notify acl: %w", err)
	}

	journalPath := zc.JournalDir + "/" + name + ".xfrd"
	j, err := xfrcore.OpenJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", journalPath, err)
	}

	zr := &zoneRuntime{
		cfg:            zc,
		state:          xfrcore.NewZoneState(name, zc.Masters, d.clock),
		journal:        j,
		journalPath:    journalPath,
		aclRequestXFR:  reqXFR,
		aclAllowNotify: allowNotify,
		aclProvideXFR:  provideXFR,
		aclDoNotify:    doNotify,
	}

	if st, err := xfrcore.LoadZoneState(zc.JournalDir + "/" + name + ".xfrd-state"); err == nil && st != nil {
		zr.state.SerialDisk = st.SerialDisk
		zr.state.SerialXfr = st.SerialXfr
	}

	if zc.Masters != nil && zc.Masters[0].Tsig != "" {
		if key, ok := d.registry.KeyLookup(zc.Masters[0].Tsig); ok {
			for _, tk := range d.cfg.Tsig {
				if tk.Name == zc.Masters[0].Tsig {
					if algo, ok := d.registry.AlgoLookup(tk.Algorithm); ok {
						zr.tsigKey, zr.tsigAlgo = key, algo
					}
				}
			}
		}
	}

	return zr, nil
}

// closeZoneJournals flushes and closes every zone's journal file, and
// snapshots its fast-restart backup state, on orderly shutdown.
func (d *daemon) closeZoneJournals() {
	for name, zr := range d.zones.Items() {
		statePath := zr.cfg.JournalDir + "/" + name + ".xfrd-state"
		st := &xfrcore.State{
			Zone:       name,
			SerialDisk: zr.state.SerialDisk,
			SerialXfr:  zr.state.SerialXfr,
		}
		if err := xfrcore.SaveZoneState(statePath, st); err != nil {
			log.Printf("xfrd: zone %s: save state: %v", name, err)
		}
		if err := zr.journal.Close(); err != nil {
			log.Printf("xfrd: zone %s: close journal: %v", name, err)
		}
	}
}
