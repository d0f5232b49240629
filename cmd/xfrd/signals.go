/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/opendnssec/xfrd/xfrcore"
)

// installSignalHandling wires the three signals xfrd reacts to per §6
// EXTERNAL INTERFACES: SIGTERM/SIGINT trigger orderly shutdown, SIGHUP
// reloads configuration, SIGUSR1 rotates the log file. Grounded on
// tdnsd/main.go's mainloop, adapted from a goroutine+channel-select
// dispatcher into flags drained once per reactor iteration so delivery
// stays on the single cooperative thread the rest of xfrd runs on.
func (d *daemon) installSignalHandling() {
	d.sigch = make(chan os.Signal, 4)
	signal.Notify(d.sigch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
}

// sigmaskPtr always returns nil: xfrd doesn't block any signal around
// its pselect(2) call, so pselect behaves exactly like select(2) with
// respect to signal delivery.
func (d *daemon) sigmaskPtr() *unix.Sigset_t { return nil }

// processPendingSignals drains every signal queued since the last
// reactor dispatch and acts on it. Called once per main loop iteration
// rather than from a dedicated goroutine, so it never races with the
// single-threaded transfer state machines in attempt.go.
func (d *daemon) processPendingSignals() {
	for {
		select {
		case sig := <-d.sigch:
			d.handleSignal(sig)
		default:
			return
		}
	}
}

func (d *daemon) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		log.Printf("xfrd: %v received, shutting down", sig)
		d.quit = true
	case syscall.SIGHUP:
		log.Printf("xfrd: SIGHUP received, reloading configuration")
		d.reloadConfig()
	case syscall.SIGUSR1:
		log.Printf("xfrd: SIGUSR1 received, rotating log")
		if err := xfrcore.RotateLog(d.cfg.Log); err != nil {
			log.Printf("xfrd: rotate log: %v", err)
		}
	}
}

// reloadConfig re-reads the configuration file and applies the parts
// that are safe to change on a running daemon: ACLs, TSIG keys, and
// per-zone master lists. It deliberately does not touch in-flight
// attempts or journals — a zone removed from the new config simply
// stops being scheduled once its current attempt settles.
func (d *daemon) reloadConfig() {
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("xfrd: reload: %v", err)
		return
	}
	reg, err := xfrcore.BuildRegistry(cfg)
	if err != nil {
		log.Printf("xfrd: reload: build tsig registry: %v", err)
		return
	}
	d.cfg = cfg
	d.registry = reg

	for name, zc := range cfg.Zones {
		zr, ok := d.zones.Get(name)
		if !ok {
			newZR, err := d.buildZoneRuntime(name, zc)
			if err != nil {
				log.Printf("xfrd: reload: zone %s: %v", name, err)
				continue
			}
			d.zones.Set(name, newZR)
			d.scheduleInitialAttempt(newZR)
			continue
		}
		if err := d.applyZoneConfig(zr, zc); err != nil {
			log.Printf("xfrd: reload: zone %s: %v", name, err)
		}
	}
}

// applyZoneConfig refreshes one already-running zone's ACLs, masters and
// TSIG binding in place, leaving its ZoneState (serials, round/master
// position, in-flight attempt) untouched.
func (d *daemon) applyZoneConfig(zr *zoneRuntime, zc xfrcore.ZoneConfig) error {
	reqXFR, err := xfrcore.BuildACLList(zc.RequestXFR)
	if err != nil {
		return err
	}
	allowNotify, err := xfrcore.BuildACLList(zc.AllowNotify)
	if err != nil {
		return err
	}
	provideXFR, err := xfrcore.BuildACLList(zc.ProvideXFR)
	if err != nil {
		return err
	}
	doNotify, err := xfrcore.BuildACLList(zc.DoNotify)
	if err != nil {
		return err
	}

	zr.cfg = zc
	zr.aclRequestXFR = reqXFR
	zr.aclAllowNotify = allowNotify
	zr.aclProvideXFR = provideXFR
	zr.aclDoNotify = doNotify
	zr.state.Masters = rebuildMasterStates(zr.state.Masters, zc.Masters)

	zr.tsigKey, zr.tsigAlgo = nil, nil
	if len(zc.Masters) > 0 && zc.Masters[0].Tsig != "" {
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
	return nil
}

// rebuildMasterStates carries over each surviving master's negative-IXFR
// cache state by address, so a reload never forgets a recent NOTIMPL.
func rebuildMasterStates(old []*xfrcore.MasterState, masters []xfrcore.MasterConf) []*xfrcore.MasterState {
	byAddr := make(map[string]*xfrcore.MasterState, len(old))
	for _, m := range old {
		byAddr[m.Conf.Address] = m
	}
	out := make([]*xfrcore.MasterState, len(masters))
	for i, mc := range masters {
		if prev, ok := byAddr[mc.Address]; ok {
			prev.Conf = mc
			out[i] = prev
			continue
		}
		out[i] = &xfrcore.MasterState{Conf: mc}
	}
	return out
}
